package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"campus_connect/internal/messaging/domain"

	"github.com/coder/quartz"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// timeColumns are stored as BSON dates so range filters and sorting work
var timeColumns = map[string]bool{
	"created_at":        true,
	"updated_at":        true,
	"last_message_time": true,
	"last_seen":         true,
}

var mongoOps = map[Op]string{
	OpEq:  "$eq",
	OpNeq: "$ne",
	OpGt:  "$gt",
	OpGte: "$gte",
	OpLt:  "$lt",
	OpLte: "$lte",
}

type mongoStore struct {
	db    *mongo.Database
	clock quartz.Clock
}

// NewMongoStore create a Store over mongo, one collection per table, the
// primary key doubles as _id. Procedures run here instead of in the database.
func NewMongoStore(db *mongo.Database, clock quartz.Clock) Store {
	return &mongoStore{db: db, clock: clock}
}

func (r *mongoStore) coll(table string) (*mongo.Collection, string, error) {
	pk, err := PrimaryKey(table)
	if err != nil {
		return nil, "", err
	}
	return r.db.Collection(table), pk, nil
}

func (r *mongoStore) Query(ctx context.Context, table string, filter Filter, order *Order) ([]json.RawMessage, error) {
	coll, _, err := r.coll(table)
	if err != nil {
		return nil, err
	}
	f, err := buildMongoFilter(filter)
	if err != nil {
		return nil, err
	}

	opts := options.Find()
	if order != nil && order.Column != "" {
		dir := 1
		if order.Desc {
			dir = -1
		}
		opts.SetSort(bson.D{{Key: order.Column, Value: dir}})
	}

	cur, err := coll.Find(ctx, f, opts)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", table, err)
	}
	var docs []bson.M
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", table, err)
	}

	out := make([]json.RawMessage, 0, len(docs))
	for _, d := range docs {
		raw, err := fromDocument(d)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func (r *mongoStore) Insert(ctx context.Context, table string, row any) (json.RawMessage, error) {
	coll, pk, err := r.coll(table)
	if err != nil {
		return nil, err
	}
	raw, err := toRawRow(row)
	if err != nil {
		return nil, err
	}
	doc, err := decodeRow(raw)
	if err != nil {
		return nil, fmt.Errorf("decode row: %w", err)
	}
	if err := prepareInsertRow(table, pk, doc, r.clock.Now()); err != nil {
		return nil, err
	}

	if _, err := coll.InsertOne(ctx, toDocument(pk, doc)); err != nil {
		return nil, fmt.Errorf("insert %s: %w", table, err)
	}
	return json.Marshal(doc)
}

func (r *mongoStore) Update(ctx context.Context, table, id string, patch map[string]any) (json.RawMessage, error) {
	coll, pk, err := r.coll(table)
	if err != nil {
		return nil, err
	}
	set := bson.M{}
	for k, v := range patch {
		if k == pk {
			continue
		}
		set[k] = toBSONValue(k, normalize(v))
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc bson.M
	err = coll.FindOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{"$set": set}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, table, id)
	}
	if err != nil {
		return nil, fmt.Errorf("update %s: %w", table, err)
	}
	return fromDocument(doc)
}

func (r *mongoStore) Delete(ctx context.Context, table, id string) error {
	coll, _, err := r.coll(table)
	if err != nil {
		return err
	}
	res, err := coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	if res.DeletedCount == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, table, id)
	}
	return nil
}

func (r *mongoStore) CallProcedure(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	coll := r.db.Collection(domain.TableUserStatus)
	switch name {
	case domain.ProcUpdateUserStatus:
		u, err := parseStatusArgs(args)
		if err != nil {
			return nil, err
		}
		row := u.row(r.clock.Now())
		doc := toDocument("user_id", row)
		delete(doc, "_id")

		_, err = coll.UpdateOne(ctx, bson.M{"_id": u.userID}, bson.M{"$set": doc}, options.Update().SetUpsert(true))
		if err != nil {
			return nil, fmt.Errorf("call %s: %w", name, err)
		}
		return json.Marshal(row)

	case domain.ProcExpireStalePresence:
		ttl, err := parseTTLArgs(args)
		if err != nil {
			return nil, err
		}
		filter := bson.M{
			"status":    bson.M{"$ne": string(domain.StatusOffline)},
			"last_seen": bson.M{"$lt": r.clock.Now().Add(-ttl).UTC()},
		}
		cur, err := coll.Find(ctx, filter)
		if err != nil {
			return nil, fmt.Errorf("call %s: %w", name, err)
		}
		var docs []bson.M
		if err := cur.All(ctx, &docs); err != nil {
			return nil, fmt.Errorf("call %s: %w", name, err)
		}

		expired := make([]json.RawMessage, 0, len(docs))
		for _, d := range docs {
			// 逐筆更新，期間若使用者已重新上線則跳過
			res, err := coll.UpdateOne(ctx,
				bson.M{"_id": d["_id"], "last_seen": d["last_seen"]},
				bson.M{"$set": bson.M(offlinePatch())},
			)
			if err != nil {
				return nil, fmt.Errorf("call %s: %w", name, err)
			}
			if res.ModifiedCount == 0 {
				continue
			}
			for k, v := range offlinePatch() {
				d[k] = v
			}
			raw, err := fromDocument(d)
			if err != nil {
				return nil, err
			}
			expired = append(expired, raw)
		}
		return json.Marshal(expired)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownProcedure, name)
}

func buildMongoFilter(filter Filter) (bson.M, error) {
	if err := filter.Validate(); err != nil {
		return nil, err
	}
	if filter.IsEmpty() {
		return bson.M{}, nil
	}
	parts := make(bson.A, 0, len(filter.Conditions))
	for _, c := range filter.Conditions {
		parts = append(parts, bson.M{c.Column: bson.M{mongoOps[c.Op]: toBSONValue(c.Column, normalize(c.Value))}})
	}
	if filter.Any {
		return bson.M{"$or": parts}, nil
	}
	return bson.M{"$and": parts}, nil
}

// toDocument maps a decoded json row to a mongo document keyed by pk
func toDocument(pk string, row map[string]any) bson.M {
	doc := bson.M{"_id": row[pk]}
	for k, v := range row {
		doc[k] = toBSONValue(k, v)
	}
	return doc
}

func toBSONValue(column string, v any) any {
	s, ok := v.(string)
	if !ok || !timeColumns[column] {
		return v
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return v
	}
	return t.UTC()
}

// fromDocument turns a mongo document back into the json row shape
func fromDocument(doc bson.M) (json.RawMessage, error) {
	row := make(map[string]any, len(doc))
	for k, v := range doc {
		if k == "_id" {
			continue
		}
		switch t := v.(type) {
		case primitive.DateTime:
			row[k] = t.Time().UTC().Format(time.RFC3339Nano)
		case time.Time:
			row[k] = t.UTC().Format(time.RFC3339Nano)
		default:
			row[k] = v
		}
	}
	b, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return b, nil
}
