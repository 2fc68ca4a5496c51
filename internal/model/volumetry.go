package model

import "time"

// VolumetryCounters は1バケット分の増分カウンタ。
// 永続化は常に加算で行い、上書きはしない。
type VolumetryCounters struct {
	Tweets             int64            `json:"tweets"`
	Retweets           int64            `json:"retweets"`
	Likes              int64            `json:"likes"`
	Quotes             int64            `json:"quotes"`
	Replies            int64            `json:"replies"`
	Languages          map[string]int64 `json:"languages"`
	Usernames          map[string]int64 `json:"usernames"`
	AssociatedHashtags map[string]int64 `json:"associatedHashtags"`
}

// VolumetryBucket は(検索, 時間バケット, プラットフォーム)単位の集計。
type VolumetryBucket struct {
	Date time.Time `json:"date"`
	VolumetryCounters
}
