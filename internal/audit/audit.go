package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/avvvet/escrow-services/internal/db"
	"github.com/avvvet/escrow-services/internal/escrow"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/mongo"
)

const receiptsCollection = "receipts"

// Receipt is the audit record of one invocation, accepted or rejected.
type Receipt struct {
	ID        string         `bson:"_id" json:"id"`
	Op        string         `bson:"op" json:"op"`
	User      escrow.Address `bson:"user" json:"user"`
	Game      escrow.Address `bson:"game" json:"game"`
	Vault     escrow.Address `bson:"vault" json:"vault"`
	Accepted  bool           `bson:"accepted" json:"accepted"`
	Code      uint32         `bson:"code,omitempty" json:"code,omitempty"`
	Error     string         `bson:"error,omitempty" json:"error,omitempty"`
	At        time.Time      `bson:"at" json:"at"`
	ExpiresAt time.Time      `bson:"expires_at" json:"-"`
}

// NewReceipt builds the receipt for op given the error it returned.
func NewReceipt(op string, c escrow.Call, err error) Receipt {
	r := Receipt{
		ID:       uuid.New().String(),
		Op:       op,
		User:     c.User,
		Game:     c.Game,
		Vault:    c.Vault,
		Accepted: err == nil,
		At:       time.Now().UTC(),
	}
	if err != nil {
		r.Error = err.Error()
		if e, ok := escrow.CodeOf(err); ok {
			r.Code = uint32(e.Code)
			r.Error = e.Name
		}
	}
	return r
}

type Recorder interface {
	Record(ctx context.Context, r Receipt) error
}

type MongoRecorder struct {
	coll *mongo.Collection
	ttl  time.Duration
}

// NewMongoRecorder stores receipts in mongo; they expire after ttl.
func NewMongoRecorder(ctx context.Context, database *mongo.Database, ttl time.Duration) (*MongoRecorder, error) {
	if err := db.CreateTTLIndexForCollection(ctx, database, receiptsCollection); err != nil {
		return nil, err
	}
	return &MongoRecorder{coll: database.Collection(receiptsCollection), ttl: ttl}, nil
}

func (m *MongoRecorder) Record(ctx context.Context, r Receipt) error {
	r.ExpiresAt = r.At.Add(m.ttl)
	if _, err := m.coll.InsertOne(ctx, r); err != nil {
		return fmt.Errorf("insert receipt %s: %w", r.ID, err)
	}
	return nil
}

// LogRecorder writes receipts to the service log when mongo is not configured.
type LogRecorder struct{}

func (LogRecorder) Record(_ context.Context, r Receipt) error {
	if r.Accepted {
		log.Infof("receipt %s: %s game=%s user=%s accepted", r.ID, r.Op, r.Game, r.User)
		return nil
	}
	log.Infof("receipt %s: %s game=%s user=%s rejected %s (%d)", r.ID, r.Op, r.Game, r.User, r.Error, r.Code)
	return nil
}
