// Package mongo implements the task Store on a MongoDB collection.
//
// One document per task. The TES document itself lives under `data`;
// task_id, user_id, name, state, tags and created_at are lifted beside it
// for indexing. State changes are compare-and-set on (task_id, state), which
// is the serialization point between the API and the phase workloads.
package mongo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/jaeaeich/poiesis/pkg/config"
	"github.com/jaeaeich/poiesis/pkg/db"
	"github.com/jaeaeich/poiesis/pkg/tes"
	xe "github.com/jaeaeich/poiesis/pkg/xerrors"
)

const taskCollection = "tasks"

type taskDocument struct {
	TaskID    string            `bson:"task_id"`
	UserID    string            `bson:"user_id"`
	Name      string            `bson:"name"`
	State     tes.State         `bson:"state"`
	Tags      map[string]string `bson:"tags"`
	CreatedAt time.Time         `bson:"created_at"`
	UpdatedAt time.Time         `bson:"updated_at"`
	Data      tes.Task          `bson:"data"`
}

type store struct {
	client *mongo.Client
	tasks  *mongo.Collection
	now    func() time.Time
}

var _ db.Store = &store{}

// New connects to the document store and ensures the indexes the listing
// queries rely on.
func New(ctx context.Context, conf config.Mongo) (db.Store, error) {
	if conf.Host == "" {
		return nil, xe.New("document store is not configured: MONGODB_HOST is empty")
	}

	opts := options.Client().
		ApplyURI(conf.URI()).
		SetMaxPoolSize(conf.MaxPoolSize)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, db.NewUnavailable("connecting document store", err)
	}

	s := &store{
		client: client,
		tasks:  client.Database(conf.Database).Collection(taskCollection),
		now:    time.Now,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *store) ensureIndexes(ctx context.Context) error {
	_, err := s.tasks.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "task_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "name", Value: 1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "state", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}, {Key: "task_id", Value: 1}}},
	})
	if err != nil {
		return db.NewUnavailable("creating indexes", err)
	}
	return nil
}

func (s *store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *store) CreateTask(ctx context.Context, task tes.Task, userID string) (string, error) {
	now := s.now().UTC()

	task.ID = uuid.NewString()
	task.State = tes.Queued
	task.CreationTime = now.Format(time.RFC3339)
	if task.Name == "" {
		task.Name = "task"
	}
	if task.Tags == nil {
		task.Tags = map[string]string{}
	}
	task.Logs = nil

	doc := taskDocument{
		TaskID:    task.ID,
		UserID:    userID,
		Name:      task.Name,
		State:     task.State,
		Tags:      task.Tags,
		CreatedAt: now,
		UpdatedAt: now,
		Data:      task,
	}
	if _, err := s.tasks.InsertOne(ctx, doc); err != nil {
		return "", db.NewUnavailable("inserting task", err)
	}
	return task.ID, nil
}

func (s *store) GetTask(ctx context.Context, taskID, userID string) (tes.Task, error) {
	var doc taskDocument
	err := s.tasks.FindOne(ctx, bson.M{"task_id": taskID, "user_id": userID}).Decode(&doc)
	switch {
	case err == mongo.ErrNoDocuments:
		return tes.Task{}, db.NewNotFound(taskID)
	case err != nil:
		return tes.Task{}, db.NewUnavailable("reading task", err)
	}
	return doc.Data, nil
}

type pageToken struct {
	CreatedAt time.Time `json:"t"`
	TaskID    string    `json:"id"`
}

func encodeToken(t pageToken) string {
	raw, _ := json.Marshal(t)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func decodeToken(s string) (pageToken, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return pageToken{}, err
	}
	var t pageToken
	if err := json.Unmarshal(raw, &t); err != nil {
		return pageToken{}, err
	}
	return t, nil
}

func buildFilter(q db.ListQuery) (bson.M, error) {
	filter := bson.M{"user_id": q.UserID}

	if q.NamePrefix != "" {
		filter["name"] = bson.M{"$regex": "^" + regexp.QuoteMeta(q.NamePrefix)}
	}
	if q.State != nil {
		filter["state"] = *q.State
	}

	and := []bson.M{}
	for i, key := range q.TagKeys {
		value := ""
		if i < len(q.TagValues) {
			value = q.TagValues[i]
		}
		field := "tags." + key
		if value == "" {
			and = append(and, bson.M{field: bson.M{"$exists": true}})
		} else {
			and = append(and, bson.M{field: value})
		}
	}

	if q.PageToken != "" {
		token, err := decodeToken(q.PageToken)
		if err != nil {
			return nil, fmt.Errorf("invalid page_token")
		}
		and = append(and, bson.M{"$or": []bson.M{
			{"created_at": bson.M{"$lt": token.CreatedAt}},
			{"created_at": token.CreatedAt, "task_id": bson.M{"$gt": token.TaskID}},
		}})
	}

	if len(and) != 0 {
		filter["$and"] = and
	}
	return filter, nil
}

func (s *store) ListTasks(ctx context.Context, q db.ListQuery) ([]tes.Task, string, error) {
	filter, err := buildFilter(q)
	if err != nil {
		return nil, "", err
	}

	limit := q.Limit()
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "task_id", Value: 1}}).
		SetLimit(int64(limit + 1))

	cursor, err := s.tasks.Find(ctx, filter, opts)
	if err != nil {
		return nil, "", db.NewUnavailable("listing tasks", err)
	}
	var docs []taskDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, "", db.NewUnavailable("listing tasks", err)
	}

	next := ""
	if len(docs) > limit {
		last := docs[limit-1]
		next = encodeToken(pageToken{CreatedAt: last.CreatedAt, TaskID: last.TaskID})
		docs = docs[:limit]
	}

	tasks := make([]tes.Task, 0, len(docs))
	for _, d := range docs {
		tasks = append(tasks, d.Data)
	}
	return tasks, next, nil
}

func (s *store) Transition(ctx context.Context, taskID string, from, to tes.State) error {
	if !tes.CanTransit(from, to) {
		return db.NewConflict(fmt.Sprintf("illegal transition %s -> %s", from, to))
	}

	res, err := s.tasks.UpdateOne(ctx,
		bson.M{"task_id": taskID, "state": from},
		bson.M{"$set": bson.M{
			"state":      to,
			"data.state": to,
			"updated_at": s.now().UTC(),
		}},
	)
	if err != nil {
		return db.NewUnavailable("updating task state", err)
	}
	if res.MatchedCount != 0 {
		return nil
	}

	current, err := s.GetTaskState(ctx, taskID)
	if err != nil {
		return err
	}
	return db.NewConflict(fmt.Sprintf(
		"transition %s -> %s lost: task %s is %s", from, to, taskID, current,
	))
}

func (s *store) GetTaskState(ctx context.Context, taskID string) (tes.State, error) {
	var doc struct {
		State tes.State `bson:"state"`
	}
	err := s.tasks.FindOne(ctx,
		bson.M{"task_id": taskID},
		options.FindOne().SetProjection(bson.M{"state": 1}),
	).Decode(&doc)
	switch {
	case err == mongo.ErrNoDocuments:
		return tes.Unknown, db.NewNotFound(taskID)
	case err != nil:
		return tes.Unknown, db.NewUnavailable("reading task state", err)
	}
	return doc.State, nil
}

// attemptIndex returns the index of the current attempt's TaskLog.
func (s *store) attemptIndex(ctx context.Context, taskID string) (int, error) {
	var doc struct {
		Data struct {
			Logs []bson.Raw `bson:"logs"`
		} `bson:"data"`
	}
	err := s.tasks.FindOne(ctx,
		bson.M{"task_id": taskID},
		options.FindOne().SetProjection(bson.M{"data.logs": 1}),
	).Decode(&doc)
	switch {
	case err == mongo.ErrNoDocuments:
		return 0, db.NewNotFound(taskID)
	case err != nil:
		return 0, db.NewUnavailable("reading task logs", err)
	}
	if len(doc.Data.Logs) == 0 {
		return 0, xe.Errorf("task %s has no attempt log yet", taskID)
	}
	return len(doc.Data.Logs) - 1, nil
}

func (s *store) AddTaskLog(ctx context.Context, taskID string) error {
	res, err := s.tasks.UpdateOne(ctx,
		bson.M{"task_id": taskID},
		bson.M{"$push": bson.M{"data.logs": tes.TaskLog{
			Logs:    []tes.ExecutorLog{},
			Outputs: []tes.OutputFileLog{},
		}}},
	)
	if err != nil {
		return db.NewUnavailable("adding task log", err)
	}
	if res.MatchedCount == 0 {
		return db.NewNotFound(taskID)
	}
	return nil
}

func (s *store) AppendExecutorLog(ctx context.Context, taskID string, log tes.ExecutorLog) (int, error) {
	attempt, err := s.attemptIndex(ctx, taskID)
	if err != nil {
		return 0, err
	}

	field := fmt.Sprintf("data.logs.%d.logs", attempt)
	var doc struct {
		Data struct {
			Logs []tes.TaskLog `bson:"logs"`
		} `bson:"data"`
	}
	err = s.tasks.FindOneAndUpdate(ctx,
		bson.M{"task_id": taskID},
		bson.M{"$push": bson.M{field: log}},
		options.FindOneAndUpdate().
			SetReturnDocument(options.After).
			SetProjection(bson.M{"data.logs": 1}),
	).Decode(&doc)
	if err != nil {
		return 0, db.NewUnavailable("appending executor log", err)
	}
	return len(doc.Data.Logs[attempt].Logs) - 1, nil
}

func (s *store) UpdateExecutorLog(ctx context.Context, taskID string, idx int, log tes.ExecutorLog) error {
	attempt, err := s.attemptIndex(ctx, taskID)
	if err != nil {
		return err
	}

	field := fmt.Sprintf("data.logs.%d.logs.%d", attempt, idx)
	res, err := s.tasks.UpdateOne(ctx,
		bson.M{"task_id": taskID},
		bson.M{"$set": bson.M{field: log}},
	)
	if err != nil {
		return db.NewUnavailable("updating executor log", err)
	}
	if res.MatchedCount == 0 {
		return db.NewNotFound(taskID)
	}
	return nil
}

func (s *store) AppendOutputLogs(ctx context.Context, taskID string, logs []tes.OutputFileLog) error {
	if len(logs) == 0 {
		return nil
	}
	attempt, err := s.attemptIndex(ctx, taskID)
	if err != nil {
		return err
	}

	field := fmt.Sprintf("data.logs.%d.outputs", attempt)
	_, err = s.tasks.UpdateOne(ctx,
		bson.M{"task_id": taskID},
		bson.M{"$push": bson.M{field: bson.M{"$each": logs}}},
	)
	if err != nil {
		return db.NewUnavailable("appending output logs", err)
	}
	return nil
}

func (s *store) AppendSystemLogs(ctx context.Context, taskID string, lines ...string) error {
	if len(lines) == 0 {
		return nil
	}
	attempt, err := s.attemptIndex(ctx, taskID)
	if err != nil {
		return err
	}

	field := fmt.Sprintf("data.logs.%d.system_logs", attempt)
	_, err = s.tasks.UpdateOne(ctx,
		bson.M{"task_id": taskID},
		bson.M{"$push": bson.M{field: bson.M{"$each": lines}}},
	)
	if err != nil {
		return db.NewUnavailable("appending system logs", err)
	}
	return nil
}

func (s *store) SetTaskLogStartTime(ctx context.Context, taskID string, t string) error {
	return s.setAttemptField(ctx, taskID, "start_time", t)
}

func (s *store) SetTaskLogEndTime(ctx context.Context, taskID string, t string) error {
	return s.setAttemptField(ctx, taskID, "end_time", t)
}

func (s *store) setAttemptField(ctx context.Context, taskID, field, value string) error {
	attempt, err := s.attemptIndex(ctx, taskID)
	if err != nil {
		return err
	}

	path := fmt.Sprintf("data.logs.%d.%s", attempt, field)
	_, err = s.tasks.UpdateOne(ctx,
		bson.M{"task_id": taskID},
		bson.M{"$set": bson.M{path: value}},
	)
	if err != nil {
		return db.NewUnavailable("stamping task log", err)
	}
	return nil
}
