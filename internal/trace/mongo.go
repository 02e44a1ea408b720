package trace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/event"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	DefaultMongoCollection     = "request_tracking"
	DefaultMongoConnectTimeout = 3 * time.Second
	DefaultMongoSocketTimeout  = 5 * time.Second
	DefaultRetention           = 30 * 24 * time.Hour
)

// MongoOptions configures a MongoStore.
type MongoOptions struct {
	URI            string
	Database       string
	Collection     string
	ConnectTimeout time.Duration
	SocketTimeout  time.Duration
	// Retention sets the TTL index on started_at. Zero uses DefaultRetention;
	// a negative value disables the TTL index.
	Retention time.Duration
	// AppName is reported to the server in the connection handshake.
	AppName string
	// Monitor observes every command the client issues.
	Monitor *event.CommandMonitor
	Logger  *slog.Logger
}

// MongoStore keeps one document per trace, keyed by the trace id.
type MongoStore struct {
	client    *mongo.Client
	coll      *mongo.Collection
	retention time.Duration
	timeout   time.Duration
	logger    *slog.Logger
}

// NewMongoStore configures a client from opts and connects it. The driver
// selects a server lazily, so an unreachable server surfaces on the first
// operation or Ping rather than here. Indexes are left to EnsureIndexes.
func NewMongoStore(ctx context.Context, opts MongoOptions) (*MongoStore, error) {
	if strings.TrimSpace(opts.URI) == "" {
		return nil, fmt.Errorf("mongodb uri cannot be empty")
	}
	if strings.TrimSpace(opts.Database) == "" {
		return nil, fmt.Errorf("mongodb database cannot be empty")
	}
	if opts.Collection == "" {
		opts.Collection = DefaultMongoCollection
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultMongoConnectTimeout
	}
	if opts.SocketTimeout <= 0 {
		opts.SocketTimeout = DefaultMongoSocketTimeout
	}
	if opts.Retention == 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	clientOpts := options.Client().
		ApplyURI(opts.URI).
		SetConnectTimeout(opts.ConnectTimeout).
		SetSocketTimeout(opts.SocketTimeout).
		SetServerSelectionTimeout(opts.ConnectTimeout)
	if appName := strings.TrimSpace(opts.AppName); appName != "" {
		clientOpts.SetAppName(appName)
	}
	if opts.Monitor != nil {
		clientOpts.SetMonitor(opts.Monitor)
	}

	client, err := mongo.Connect(ctx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}

	return &MongoStore{
		client:    client,
		coll:      client.Database(opts.Database).Collection(opts.Collection),
		retention: opts.Retention,
		timeout:   opts.SocketTimeout,
		logger:    opts.Logger,
	}, nil
}

func (s *MongoStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Ping runs the ping command against the admin database.
func (s *MongoStore) Ping(ctx context.Context) bool {
	if s == nil || s.client == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Database("admin").RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}).Err() == nil
}

// EnsureIndexes creates the query indexes one by one so a single failure does
// not block the rest. The _id index always exists.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	var errs []error
	for _, model := range mongoIndexModels(s.retention) {
		name, err := s.coll.Indexes().CreateOne(ctx, model)
		if err != nil {
			indexName := ""
			if model.Options != nil && model.Options.Name != nil {
				indexName = *model.Options.Name
			}
			s.logger.Warn("mongodb index creation failed", "index", indexName, "error", err)
			errs = append(errs, fmt.Errorf("create index %s: %w", indexName, err))
			continue
		}
		s.logger.Debug("mongodb index ensured", "index", name)
	}
	return errors.Join(errs...)
}

func mongoIndexModels(retention time.Duration) []mongo.IndexModel {
	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "started_at", Value: -1}},
			Options: options.Index().SetName("started_at_desc"),
		},
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "started_at", Value: -1}},
			Options: options.Index().SetName("user_id_started_at"),
		},
		{
			Keys:    bson.D{{Key: "status", Value: 1}, {Key: "started_at", Value: -1}},
			Options: options.Index().SetName("status_started_at"),
		},
		{
			Keys:    bson.D{{Key: "duration_ms", Value: -1}},
			Options: options.Index().SetName("duration_ms_desc"),
		},
	}
	if retention > 0 {
		// A TTL index needs its own ascending key on started_at.
		models = append(models, mongo.IndexModel{
			Keys:    bson.D{{Key: "started_at", Value: 1}},
			Options: options.Index().SetName("started_at_ttl").SetExpireAfterSeconds(int32(retention / time.Second)),
		})
	}
	return models
}

func (s *MongoStore) Save(ctx context.Context, trace *Trace) error {
	if trace == nil {
		return nil
	}
	doc, err := mongoDocument(trace)
	if err != nil {
		return err
	}
	_, err = s.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: doc.ID}}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("save trace %q: %w", doc.ID, err)
	}
	return nil
}

func (s *MongoStore) SaveBatch(ctx context.Context, traces []*Trace) error {
	models := make([]mongo.WriteModel, 0, len(traces))
	for _, trace := range traces {
		if trace == nil {
			continue
		}
		doc, err := mongoDocument(trace)
		if err != nil {
			return err
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.D{{Key: "_id", Value: doc.ID}}).
			SetReplacement(doc).
			SetUpsert(true))
	}
	if len(models) == 0 {
		return nil
	}
	if _, err := s.coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		return fmt.Errorf("save trace batch of %d: %w", len(models), err)
	}
	return nil
}

func mongoDocument(in *Trace) (*Trace, error) {
	if strings.TrimSpace(in.ID) == "" {
		return nil, fmt.Errorf("trace id cannot be empty")
	}
	doc := *in
	doc.Method = strings.ToUpper(doc.Method)
	if doc.StartedAt.IsZero() {
		doc.StartedAt = time.Now().UTC()
	}
	return &doc, nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*Trace, error) {
	var raw bson.M
	err := s.coll.FindOne(ctx, bson.D{{Key: "_id", Value: id}}).Decode(&raw)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get trace %q: %w", id, err)
	}
	return DecodeDocument(raw), nil
}

func (s *MongoStore) Query(ctx context.Context, filter Filter, limit int) ([]*Trace, error) {
	findOpts := options.Find().
		SetSort(bson.D{{Key: "started_at", Value: -1}}).
		SetLimit(int64(clampLimit(limit)))
	cursor, err := s.coll.Find(ctx, buildMongoFilter(filter), findOpts)
	if err != nil {
		return nil, fmt.Errorf("query traces: %w", err)
	}
	defer cursor.Close(ctx)

	items := make([]*Trace, 0, 16)
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode trace document: %w", err)
		}
		items = append(items, DecodeDocument(raw))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate trace documents: %w", err)
	}
	return items, nil
}

func (s *MongoStore) Count(ctx context.Context, filter Filter) (int64, error) {
	count, err := s.coll.CountDocuments(ctx, buildMongoFilter(filter))
	if err != nil {
		return 0, fmt.Errorf("count traces: %w", err)
	}
	return count, nil
}

func (s *MongoStore) StatusBreakdown(ctx context.Context, filter Filter) ([]StatusCount, error) {
	rows, err := s.aggregate(ctx, mongoStatusPipeline(filter))
	if err != nil {
		return nil, fmt.Errorf("query status breakdown: %w", err)
	}
	out := make([]StatusCount, 0, len(rows))
	for _, row := range rows {
		out = append(out, StatusCount{Status: int(asInt(row["_id"])), Count: asInt(row["count"])})
	}
	return out, nil
}

func (s *MongoStore) MethodBreakdown(ctx context.Context, filter Filter) ([]MethodCount, error) {
	rows, err := s.aggregate(ctx, mongoMethodPipeline(filter))
	if err != nil {
		return nil, fmt.Errorf("query method breakdown: %w", err)
	}
	out := make([]MethodCount, 0, len(rows))
	for _, row := range rows {
		out = append(out, MethodCount{
			Method:        asString(row["_id"]),
			Count:         asInt(row["count"]),
			AvgDurationMS: asFloat(row["avg_duration"]),
		})
	}
	return out, nil
}

func (s *MongoStore) Performance(ctx context.Context, filter Filter) (*PerformanceSummary, error) {
	rows, err := s.aggregate(ctx, mongoPerformancePipeline(filter))
	if err != nil {
		return nil, fmt.Errorf("query performance summary: %w", err)
	}
	if len(rows) == 0 {
		return &PerformanceSummary{}, nil
	}
	row := rows[0]
	return &PerformanceSummary{
		AvgDurationMS: asFloat(row["avg_duration"]),
		MinDurationMS: asFloat(row["min_duration"]),
		MaxDurationMS: asFloat(row["max_duration"]),
		AvgQueryCount: asFloat(row["avg_queries"]),
		MaxQueryCount: asInt(row["max_queries"]),
		AvgDBTimeMS:   asFloat(row["avg_db_time"]),
	}, nil
}

func (s *MongoStore) ErrorBreakdown(ctx context.Context, filter Filter, top int) (*ErrorSummary, error) {
	filter.ErrorsOnly = true
	count, err := s.Count(ctx, filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.aggregate(ctx, mongoErrorPipeline(filter, clampTop(top)))
	if err != nil {
		return nil, fmt.Errorf("query error breakdown: %w", err)
	}
	summary := &ErrorSummary{TracesWithErrors: count, TopClasses: make([]ErrorClassCount, 0, len(rows))}
	for _, row := range rows {
		class := asString(row["_id"])
		if class == "" {
			class = "Unknown"
		}
		summary.TopClasses = append(summary.TopClasses, ErrorClassCount{Class: class, Count: asInt(row["count"])})
	}
	return summary, nil
}

func (s *MongoStore) Durations(ctx context.Context, filter Filter, limit int) ([]float64, error) {
	findOpts := options.Find().
		SetSort(bson.D{{Key: "started_at", Value: -1}}).
		SetLimit(int64(clampLimit(limit))).
		SetProjection(bson.D{{Key: "duration_ms", Value: 1}})
	cursor, err := s.coll.Find(ctx, buildMongoFilter(filter), findOpts)
	if err != nil {
		return nil, fmt.Errorf("query durations: %w", err)
	}
	defer cursor.Close(ctx)

	out := make([]float64, 0, 64)
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode duration: %w", err)
		}
		out = append(out, asFloat(raw["duration_ms"]))
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("iterate durations: %w", err)
	}
	return out, nil
}

func (s *MongoStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.D{{Key: "started_at", Value: bson.D{{Key: "$lt", Value: before.UTC()}}}})
	if err != nil {
		return 0, fmt.Errorf("prune traces before %s: %w", before.UTC().Format(time.RFC3339), err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) aggregate(ctx context.Context, pipeline mongo.Pipeline) ([]bson.M, error) {
	cursor, err := s.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	var rows []bson.M
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// buildMongoFilter translates f into a find/aggregate filter document.
func buildMongoFilter(f Filter) bson.D {
	f = f.Normalize()
	out := bson.D{}

	if f.UserID != "" {
		// Older documents carry numeric user ids.
		if n, err := strconv.ParseInt(f.UserID, 10, 64); err == nil {
			out = append(out, bson.E{Key: "user_id", Value: bson.D{{Key: "$in", Value: bson.A{f.UserID, n}}}})
		} else {
			out = append(out, bson.E{Key: "user_id", Value: f.UserID})
		}
	}
	if f.Method != "" {
		out = append(out, bson.E{Key: "method", Value: f.Method})
	}
	if f.Status > 0 {
		out = append(out, bson.E{Key: "status", Value: f.Status})
	}
	if f.URLContains != "" {
		out = append(out, bson.E{Key: "url", Value: primitive.Regex{Pattern: regexp.QuoteMeta(f.URLContains), Options: "i"}})
	}
	if f.MinDurationMS > 0 {
		out = append(out, bson.E{Key: "duration_ms", Value: bson.D{{Key: "$gte", Value: f.MinDurationMS}}})
	}
	if f.ErrorsOnly {
		out = append(out, bson.E{Key: "errors.0", Value: bson.D{{Key: "$exists", Value: true}}})
	}
	if !f.From.IsZero() || !f.To.IsZero() {
		bounds := bson.D{}
		if !f.From.IsZero() {
			bounds = append(bounds, bson.E{Key: "$gte", Value: f.From.UTC()})
		}
		if !f.To.IsZero() {
			bounds = append(bounds, bson.E{Key: "$lte", Value: f.To.UTC()})
		}
		out = append(out, bson.E{Key: "started_at", Value: bounds})
	}
	return out
}

func mongoStatusPipeline(f Filter) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: buildMongoFilter(f)}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$status"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "_id", Value: 1}}}},
	}
}

func mongoMethodPipeline(f Filter) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: buildMongoFilter(f)}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$method"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: "avg_duration", Value: bson.D{{Key: "$avg", Value: "$duration_ms"}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "count", Value: -1}, {Key: "_id", Value: 1}}}},
	}
}

func mongoPerformancePipeline(f Filter) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: buildMongoFilter(f)}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: nil},
			{Key: "avg_duration", Value: bson.D{{Key: "$avg", Value: "$duration_ms"}}},
			{Key: "max_duration", Value: bson.D{{Key: "$max", Value: "$duration_ms"}}},
			{Key: "min_duration", Value: bson.D{{Key: "$min", Value: "$duration_ms"}}},
			{Key: "avg_queries", Value: bson.D{{Key: "$avg", Value: "$query_count"}}},
			{Key: "max_queries", Value: bson.D{{Key: "$max", Value: "$query_count"}}},
			{Key: "avg_db_time", Value: bson.D{{Key: "$avg", Value: "$db_time_ms"}}},
		}}},
	}
}

func mongoErrorPipeline(f Filter, top int) mongo.Pipeline {
	return mongo.Pipeline{
		{{Key: "$match", Value: buildMongoFilter(f)}},
		{{Key: "$unwind", Value: "$errors"}},
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$errors.class"},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "count", Value: -1}, {Key: "_id", Value: 1}}}},
		{{Key: "$limit", Value: top}},
	}
}
