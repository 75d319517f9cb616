// Package mongo implements a backend on top of MongoDB. Transactions are used for all
// multi-document updates, so the server has to run as a replica set.
package mongo

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cschleiden/go-flows/backend"
	"github.com/cschleiden/go-flows/backend/metrics"
	"github.com/cschleiden/go-flows/internal/metrickeys"
	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel/trace"
)

const (
	flowsCollection    = "flows"
	eventsCollection   = "events"
	leasesCollection   = "leases"
	countersCollection = "counters"
)

var _ backend.Backend = (*mongoBackend)(nil)

func NewMongoBackend(uri, database string, opts ...MongoBackendOption) (*mongoBackend, error) {
	o := backend.ApplyOptions()
	options := &MongoOptions{
		Options:        &o,
		LeaseScanLimit: 1000,
		ConnectTimeout: 2 * time.Second,
	}

	for _, opt := range opts {
		opt(options)
	}

	ctx, cancel := context.WithTimeout(context.Background(), options.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions(uri, options))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongo: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongo: %w", err)
	}

	workerName := options.WorkerName
	if workerName == "" {
		workerName = fmt.Sprintf("worker-%v", uuid.NewString())
	}

	db := client.Database(database)

	mb := &mongoBackend{
		client:     client,
		flows:      db.Collection(flowsCollection),
		events:     db.Collection(eventsCollection),
		leases:     db.Collection(leasesCollection),
		counters:   db.Collection(countersCollection),
		options:    options,
		workerName: workerName,
		metrics:    options.Metrics.WithTags(metrics.Tags{metrickeys.Backend: "mongo"}),
	}

	if err := mb.createIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}

	return mb, nil
}

func clientOptions(uri string, o *MongoOptions) *options.ClientOptions {
	return options.Client().
		ApplyURI(uri).
		SetAppName("go-flows").
		SetConnectTimeout(o.ConnectTimeout)
}

type mongoBackend struct {
	client *mongo.Client

	flows    *mongo.Collection
	events   *mongo.Collection
	leases   *mongo.Collection
	counters *mongo.Collection

	options    *MongoOptions
	workerName string
	metrics    metrics.Client
}

func (mb *mongoBackend) createIndexes(ctx context.Context) error {
	if _, err := mb.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "flow_key", Value: 1}}},
		{Keys: bson.D{{Key: "visible_at", Value: 1}, {Key: "seq", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("creating event indexes: %w", err)
	}

	return nil
}

// withTransaction runs fn in a transaction. Transient errors such as write conflicts with
// concurrent transactions are retried by the driver.
func (mb *mongoBackend) withTransaction(ctx context.Context, fn func(sc mongo.SessionContext) error) error {
	session, err := mb.client.StartSession()
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})

	return err
}

func (mb *mongoBackend) now() int64 {
	return mb.options.Clock.Now().UnixMilli()
}

func (mb *mongoBackend) Logger() *slog.Logger {
	return mb.options.Logger
}

func (mb *mongoBackend) Metrics() metrics.Client {
	return mb.metrics
}

func (mb *mongoBackend) Tracer() trace.Tracer {
	return mb.options.TracerProvider.Tracer(backend.TracerName)
}

func (mb *mongoBackend) Options() *backend.Options {
	return mb.options.Options
}

func (mb *mongoBackend) Close() error {
	return mb.client.Disconnect(context.Background())
}

func (mb *mongoBackend) GetStats(ctx context.Context) (*backend.Stats, error) {
	flows, err := mb.flows.CountDocuments(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("counting flow instances: %w", err)
	}

	events, err := mb.events.CountDocuments(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("counting pending events: %w", err)
	}

	return &backend.Stats{
		ActiveFlowInstances: flows,
		PendingEvents:       events,
	}, nil
}
