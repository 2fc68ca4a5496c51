package model

import (
	"encoding/json"
	"time"
)

// Tweet はプラットフォーム固有IDをキーとする投稿レコード。
// 冪等にアップサートされ、検出元の検索IDを集合として保持する。
type Tweet struct {
	ID                 string
	URL                string
	Date               time.Time
	Content            string
	Username           string
	UserID             string
	ReplyCount         int64
	RetweetCount       int64
	LikeCount          int64
	QuoteCount         int64
	ConversationID     string
	Lang               string
	SourceURL          string
	Outlinks           []string
	Media              []Media
	RetweetedTweetID   string
	QuotedTweetID      string
	InReplyToTweetID   string
	InReplyToUsername  string
	MentionedUsernames []string
	Hashtags           []string
	Cashtags           []string
	Place              *Place
	Coordinates        *Coordinates
	Searches           []string
}

// Hour は集計バケットのキーとなる時刻（UTCの時単位切り捨て）を返す。
func (t *Tweet) Hour() time.Time {
	return t.Date.UTC().Truncate(time.Hour)
}

// Media は投稿に添付されたメディア。
type Media struct {
	Type         string  `json:"type"`
	FullURL      string  `json:"fullUrl,omitempty"`
	PreviewURL   string  `json:"previewUrl,omitempty"`
	ThumbnailURL string  `json:"thumbnailUrl,omitempty"`
	ContentType  string  `json:"contentType,omitempty"`
	Bitrate      int64   `json:"bitrate,omitempty"`
	Duration     float64 `json:"duration,omitempty"`
	Views        int64   `json:"views,omitempty"`
}

// Place は投稿に紐づく場所。
type Place struct {
	FullName    string `json:"fullName"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
}

// Coordinates は投稿の位置座標。
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// User は投稿者アカウントを表す。
type User struct {
	ID               string
	Username         string
	DisplayName      string
	Description      string
	Verified         bool
	Created          *time.Time
	FollowersCount   int64
	FriendsCount     int64
	StatusesCount    int64
	FavouritesCount  int64
	ListedCount      int64
	MediaCount       int64
	Location         string
	Protected        bool
	LinkURL          string
	ProfileImageURL  string
	ProfileBannerURL string
	URL              string
	BotScore         *BotScore
	Searches         []string
}

// BotScore はボット判定プロバイダーによるスコアと出所。
type BotScore struct {
	Score     float64
	Provider  string
	UpdatedAt time.Time
	Metadata  json.RawMessage
}

// Processor はワーカー識別子ごとのハートビートレコード。
type Processor struct {
	ID              string
	Metadata        ProcessorMetadata
	LastPollAt      *time.Time
	LastProcessedAt *time.Time
	UpdatedAt       time.Time
}

// ProcessorMetadata はワーカーの構成情報。
type ProcessorMetadata struct {
	Name    string   `json:"name"`
	Pollers []string `json:"pollers,omitempty"`
	Version string   `json:"version,omitempty"`
}
