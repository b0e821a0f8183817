package mongodb

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"filecenter/internal/fingerprint"
	"filecenter/internal/repository"
)

// 文档字段名。
const (
	fieldID         = "_id"
	fieldSize       = "file_size"
	fieldName       = "file_name"
	fieldMimeType   = "mime_type"
	fieldCreateTime = "create_time"
	fieldExpireAt   = "expire_at"
	fieldCount      = "count"
	fieldData       = "file_data"
	fieldChunkID    = "chunk_id"

	fieldFileID    = "file_id"
	fieldN         = "n"
	fieldChunkData = "data"

	fieldValue = "value"
)

// 分块汇总结果的字段名。
const (
	statChunks    = "chunks"
	statBytes     = "bytes"
	statLastWrite = "last_write"
	statLastID    = "last_id"
)

var hashFields = [4]string{"hash_1", "hash_2", "hash_3", "hash_4"}

func lookup(raw bson.Raw, key string) (bson.RawValue, bool) {
	v, err := raw.LookupErr(key)
	if err != nil || v.Type == bsontype.Null || v.Type == bsontype.Undefined {
		return bson.RawValue{}, false
	}
	return v, true
}

func objectIDField(raw bson.Raw, key string) (primitive.ObjectID, error) {
	v, ok := lookup(raw, key)
	if !ok {
		return primitive.ObjectID{}, repository.MissingField(key)
	}
	id, ok := v.ObjectIDOK()
	if !ok {
		return primitive.ObjectID{}, repository.UnexpectedType(key, v.Type)
	}
	return id, nil
}

// intField 接受 int32 和 int64 两种编码。
func intField(raw bson.Raw, key string) (int64, error) {
	v, ok := lookup(raw, key)
	if !ok {
		return 0, repository.MissingField(key)
	}
	return intValue(key, v)
}

func intValue(key string, v bson.RawValue) (int64, error) {
	switch v.Type {
	case bsontype.Int32:
		return int64(v.Int32()), nil
	case bsontype.Int64:
		return v.Int64(), nil
	default:
		return 0, repository.UnexpectedType(key, v.Type)
	}
}

func stringField(raw bson.Raw, key string) (string, error) {
	v, ok := lookup(raw, key)
	if !ok {
		return "", repository.MissingField(key)
	}
	s, ok := v.StringValueOK()
	if !ok {
		return "", repository.UnexpectedType(key, v.Type)
	}
	return s, nil
}

func timeField(raw bson.Raw, key string) (time.Time, error) {
	v, ok := lookup(raw, key)
	if !ok {
		return time.Time{}, repository.MissingField(key)
	}
	return timeValue(key, v)
}

func timeValue(key string, v bson.RawValue) (time.Time, error) {
	ms, ok := v.DateTimeOK()
	if !ok {
		return time.Time{}, repository.UnexpectedType(key, v.Type)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// binaryField 返回数据的副本，调用方可以在游标前进后继续持有。
func binaryField(raw bson.Raw, key string) ([]byte, error) {
	v, ok := lookup(raw, key)
	if !ok {
		return nil, repository.MissingField(key)
	}
	_, data, ok := v.BinaryOK()
	if !ok {
		return nil, repository.UnexpectedType(key, v.Type)
	}
	return append([]byte{}, data...), nil
}

func decodeFile(raw bson.Raw) (*repository.FileRecord, error) {
	var (
		rec = &repository.FileRecord{}
		err error
	)

	if rec.ID, err = objectIDField(raw, fieldID); err != nil {
		return nil, err
	}
	if rec.Size, err = intField(raw, fieldSize); err != nil {
		return nil, err
	}
	if rec.Name, err = stringField(raw, fieldName); err != nil {
		return nil, err
	}
	if rec.MimeType, err = stringField(raw, fieldMimeType); err != nil {
		return nil, err
	}
	if rec.CreateTime, err = timeField(raw, fieldCreateTime); err != nil {
		return nil, err
	}
	count, err := intField(raw, fieldCount)
	if err != nil {
		return nil, err
	}
	rec.Count = int32(count)

	if _, ok := lookup(raw, hashFields[0]); ok {
		var key fingerprint.Key
		for i, field := range hashFields {
			if key[i], err = intField(raw, field); err != nil {
				return nil, err
			}
		}
		rec.Hash = &key
	}

	if _, ok := lookup(raw, fieldExpireAt); ok {
		expireAt, err := timeField(raw, fieldExpireAt)
		if err != nil {
			return nil, err
		}
		rec.ExpireAt = &expireAt
	}

	if _, ok := lookup(raw, fieldChunkID); ok {
		chunkID, err := objectIDField(raw, fieldChunkID)
		if err != nil {
			return nil, err
		}
		rec.ChunkID = &chunkID
		return rec, nil
	}

	// 没有 chunk_id 时必须内联数据。
	if rec.Data, err = binaryField(raw, fieldData); err != nil {
		return nil, err
	}
	return rec, nil
}

func encodeFile(rec *repository.FileRecord) bson.D {
	doc := bson.D{{Key: fieldID, Value: rec.ID}}
	if rec.Hash != nil {
		for i, field := range hashFields {
			doc = append(doc, bson.E{Key: field, Value: rec.Hash[i]})
		}
	}
	doc = append(doc,
		bson.E{Key: fieldSize, Value: rec.Size},
		bson.E{Key: fieldName, Value: rec.Name},
		bson.E{Key: fieldMimeType, Value: rec.MimeType},
		bson.E{Key: fieldCreateTime, Value: rec.CreateTime},
		bson.E{Key: fieldCount, Value: rec.Count},
	)
	if rec.ExpireAt != nil {
		doc = append(doc, bson.E{Key: fieldExpireAt, Value: *rec.ExpireAt})
	}
	if rec.ChunkID != nil {
		doc = append(doc, bson.E{Key: fieldChunkID, Value: *rec.ChunkID})
	} else {
		doc = append(doc, bson.E{Key: fieldData, Value: primitive.Binary{Data: rec.Data}})
	}
	return doc
}

func encodeChunk(chunk *repository.ChunkRecord) bson.D {
	doc := bson.D{
		{Key: fieldID, Value: chunk.ID},
		{Key: fieldFileID, Value: chunk.FileID},
		{Key: fieldN, Value: chunk.N},
		{Key: fieldChunkData, Value: primitive.Binary{Data: chunk.Data}},
	}
	if chunk.ExpireAt != nil {
		doc = append(doc, bson.E{Key: fieldExpireAt, Value: *chunk.ExpireAt})
	}
	if !chunk.CreateTime.IsZero() {
		doc = append(doc, bson.E{Key: fieldCreateTime, Value: chunk.CreateTime})
	}
	return doc
}

func decodeChunkStat(raw bson.Raw) (repository.ChunkStat, error) {
	var (
		stat repository.ChunkStat
		err  error
	)
	if stat.FileID, err = objectIDField(raw, fieldID); err != nil {
		return stat, err
	}
	if stat.Chunks, err = intField(raw, statChunks); err != nil {
		return stat, err
	}
	if stat.Bytes, err = intField(raw, statBytes); err != nil {
		return stat, err
	}

	if _, ok := lookup(raw, statLastWrite); ok {
		stat.LastWrite, err = timeField(raw, statLastWrite)
		return stat, err
	}
	lastID, err := objectIDField(raw, statLastID)
	if err != nil {
		return stat, err
	}
	stat.LastWrite = lastID.Timestamp()
	return stat, nil
}
