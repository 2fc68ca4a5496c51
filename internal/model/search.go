// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"strings"
	"time"
)

// PlatformTwitter は収集対象プラットフォームの識別子。
const PlatformTwitter = "twitter"

// ScrapeVersion は収集処理のバージョン。
// 処理開始時に検索へスタンプされ、仕様変更後の再収集対象の判別に使う。
const ScrapeVersion = 3

// SearchType は検索語の種別を表す。
type SearchType string

const (
	SearchTypeKeyword SearchType = "KEYWORD"
	SearchTypeHashtag SearchType = "HASHTAG"
	SearchTypeMention SearchType = "MENTION"
	SearchTypeURL     SearchType = "URL"
	SearchTypeCashtag SearchType = "CASHTAG"
)

// ParseSearchType は文字列を検索種別に変換する。大文字小文字は区別しない。
func ParseSearchType(s string) (SearchType, error) {
	switch t := SearchType(strings.ToUpper(strings.TrimSpace(s))); t {
	case SearchTypeKeyword, SearchTypeHashtag, SearchTypeMention, SearchTypeURL, SearchTypeCashtag:
		return t, nil
	default:
		return "", fmt.Errorf("未知の検索種別です: %q", s)
	}
}

// SearchStatus は検索の処理状態を表す。
type SearchStatus string

const (
	SearchStatusPending            SearchStatus = "PENDING"
	SearchStatusProcessing         SearchStatus = "PROCESSING"
	SearchStatusProcessingPrevious SearchStatus = "PROCESSING_PREVIOUS"
	SearchStatusProcessingNew      SearchStatus = "PROCESSING_NEW"
	SearchStatusDone               SearchStatus = "DONE"
	SearchStatusDoneError          SearchStatus = "DONE_ERROR"
)

// Search は追跡対象の検索語を表す。削除されることはない。
type Search struct {
	ID                  string
	Name                string
	Type                SearchType
	Status              SearchStatus
	Metadata            SearchMetadata
	FirstOccurenceDate  *time.Time
	OldestProcessedDate *time.Time
	NewestProcessedDate *time.Time
	ScrapeVersion       int
	Error               string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// SearchMetadata は検索に付随する補足情報。JSONBとして保存する。
type SearchMetadata struct {
	URL *URLMetadata `json:"url,omitempty"`
}

// URLMetadata はURL種別の検索対象ページから取得したメタデータ。
type URLMetadata struct {
	Title       string    `json:"title,omitempty"`
	Description string    `json:"description,omitempty"`
	Image       string    `json:"image,omitempty"`
	SiteName    string    `json:"siteName,omitempty"`
	Type        string    `json:"type,omitempty"`
	URL         string    `json:"url,omitempty"`
	Locale      string    `json:"locale,omitempty"`
	Provider    string    `json:"provider,omitempty"`
	ScrapedAt   time.Time `json:"scrapedAt"`
}

// NeedsURLMetadata はURL種別の検索でメタデータが未取得かを判定する。
func (s *Search) NeedsURLMetadata() bool {
	if s.Type != SearchTypeURL {
		return false
	}
	return s.Metadata.URL == nil || s.Metadata.URL.ScrapedAt.IsZero()
}
