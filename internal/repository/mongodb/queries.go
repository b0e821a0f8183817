package mongodb

import (
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"filecenter/internal/fingerprint"
	"filecenter/internal/repository"
)

// 查询条件都由函数现场构造，避免共享可变的 bson.D。

func byID(id repository.ID) bson.D {
	return bson.D{{Key: fieldID, Value: id}}
}

func byIDs(ids []repository.ID) bson.D {
	return bson.D{{Key: fieldID, Value: bson.D{{Key: "$in", Value: ids}}}}
}

// liveByHash 只匹配仍被引用的记录，计数已耗尽的记录不会被复活。
func liveByHash(key fingerprint.Key) bson.D {
	filter := make(bson.D, 0, len(hashFields)+1)
	for i, field := range hashFields {
		filter = append(filter, bson.E{Key: field, Value: key[i]})
	}
	return append(filter, bson.E{Key: fieldCount, Value: bson.D{{Key: "$gt", Value: 0}}})
}

func exhaustedByID(id repository.ID) bson.D {
	return bson.D{
		{Key: fieldID, Value: id},
		{Key: fieldCount, Value: bson.D{{Key: "$lte", Value: 0}}},
	}
}

// exhaustedByHash 只匹配计数已耗尽、仍占着哈希索引的记录。
func exhaustedByHash(key fingerprint.Key) bson.D {
	filter := make(bson.D, 0, len(hashFields)+1)
	for i, field := range hashFields {
		filter = append(filter, bson.E{Key: field, Value: key[i]})
	}
	return append(filter, bson.E{Key: fieldCount, Value: bson.D{{Key: "$lte", Value: 0}}})
}

func exhausted() bson.D {
	return bson.D{{Key: fieldCount, Value: bson.D{{Key: "$lte", Value: 0}}}}
}

func chunked() bson.D {
	return bson.D{{Key: fieldChunkID, Value: bson.D{{Key: "$exists", Value: true}}}}
}

func expiredBefore(now time.Time) bson.D {
	return bson.D{{Key: fieldExpireAt, Value: bson.D{{Key: "$lte", Value: now}}}}
}

func incrementCount(delta int32) bson.D {
	return bson.D{{Key: "$inc", Value: bson.D{{Key: fieldCount, Value: delta}}}}
}

func idOnly() bson.D {
	return bson.D{{Key: fieldID, Value: 1}}
}

func chunksOf(fileID repository.ID) bson.D {
	return bson.D{{Key: fieldFileID, Value: fileID}}
}

func chunksOfAny(fileIDs []repository.ID) bson.D {
	return bson.D{{Key: fieldFileID, Value: bson.D{{Key: "$in", Value: fileIDs}}}}
}

func groupByFileID() bson.A {
	return bson.A{
		bson.D{{Key: "$group", Value: bson.D{{Key: fieldID, Value: "$" + fieldFileID}}}},
	}
}

// chunkStats 按 file_id 汇总分块数、字节数与最新写入时间。
// 早期写入的分块没有 create_time，用最大的 _id 兜底。
func chunkStats(fileIDs []repository.ID) bson.A {
	return bson.A{
		bson.D{{Key: "$match", Value: chunksOfAny(fileIDs)}},
		bson.D{{Key: "$group", Value: bson.D{
			{Key: fieldID, Value: "$" + fieldFileID},
			{Key: statChunks, Value: bson.D{{Key: "$sum", Value: 1}}},
			{Key: statBytes, Value: bson.D{{Key: "$sum", Value: bson.D{{Key: "$binarySize", Value: "$" + fieldChunkData}}}}},
			{Key: statLastWrite, Value: bson.D{{Key: "$max", Value: "$" + fieldCreateTime}}},
			{Key: statLastID, Value: bson.D{{Key: "$max", Value: "$" + fieldID}}},
		}}},
	}
}

func settingByKey(key string) bson.D {
	return bson.D{{Key: fieldID, Value: key}}
}
