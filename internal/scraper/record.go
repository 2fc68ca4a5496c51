package scraper

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hitoshi/searchwatch/internal/model"
)

// flexID はJSONの数値・文字列どちらでも受け付けるID。
// 64bitを超える桁の数値も文字列としてそのまま保持する。
type flexID string

func (id *flexID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("IDの形式が不正です: %s", string(b))
	}
	*id = flexID(n.String())
	return nil
}

type tweetRecord struct {
	Type             string        `json:"_type"`
	URL              string        `json:"url"`
	Date             string        `json:"date"`
	Content          string        `json:"content"`
	ID               flexID        `json:"id"`
	User             *userRecord   `json:"user"`
	Outlinks         []string      `json:"outlinks"`
	ReplyCount       int64         `json:"replyCount"`
	RetweetCount     int64         `json:"retweetCount"`
	LikeCount        int64         `json:"likeCount"`
	QuoteCount       int64         `json:"quoteCount"`
	ConversationID   flexID        `json:"conversationId"`
	Lang             string        `json:"lang"`
	SourceURL        string        `json:"sourceUrl"`
	Media            []mediaRecord `json:"media"`
	RetweetedTweet   *tweetRecord  `json:"retweetedTweet"`
	QuotedTweet      *tweetRecord  `json:"quotedTweet"`
	MentionedUsers   []userRecord  `json:"mentionedUsers"`
	Coordinates      *coordinates  `json:"coordinates"`
	InReplyToTweetID flexID        `json:"inReplyToTweetId"`
	InReplyToUser    *userRecord   `json:"inReplyToUser"`
	Place            *placeRecord  `json:"place"`
	Hashtags         []string      `json:"hashtags"`
	Cashtags         []string      `json:"cashtags"`
}

type userRecord struct {
	ID               flexID `json:"id"`
	Username         string `json:"username"`
	DisplayName      string `json:"displayname"`
	Description      string `json:"description"`
	Verified         bool   `json:"verified"`
	Created          string `json:"created"`
	FollowersCount   int64  `json:"followersCount"`
	FriendsCount     int64  `json:"friendsCount"`
	StatusesCount    int64  `json:"statusesCount"`
	FavouritesCount  int64  `json:"favouritesCount"`
	ListedCount      int64  `json:"listedCount"`
	MediaCount       int64  `json:"mediaCount"`
	Location         string `json:"location"`
	Protected        bool   `json:"protected"`
	LinkURL          string `json:"linkUrl"`
	ProfileImageURL  string `json:"profileImageUrl"`
	ProfileBannerURL string `json:"profileBannerUrl"`
	URL              string `json:"url"`
}

type mediaRecord struct {
	Type         string          `json:"_type"`
	ThumbnailURL string          `json:"thumbnailUrl"`
	PreviewURL   string          `json:"previewUrl"`
	FullURL      string          `json:"fullUrl"`
	Duration     float64         `json:"duration"`
	Views        int64           `json:"views"`
	Variants     []variantRecord `json:"variants"`
}

type variantRecord struct {
	ContentType string `json:"contentType"`
	URL         string `json:"url"`
	Bitrate     int64  `json:"bitrate"`
}

type coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type placeRecord struct {
	FullName    string `json:"fullName"`
	Name        string `json:"name"`
	Type        string `json:"type"`
	Country     string `json:"country"`
	CountryCode string `json:"countryCode"`
}

// mediaTypePrefix はスクレイパーが出力するメディア種別のモジュール接頭辞。
const mediaTypePrefix = "snscrape.modules.twitter."

// parseDate はスクレイパーの日時表現（RFC3339）を解析する。空文字列はゼロ値。
func parseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("日時の解析に失敗しました: %w", err)
	}
	return t.UTC(), nil
}

// toTweet はスクレイパーのレコードを保存用の投稿に変換する。
func (r *tweetRecord) toTweet() (model.Tweet, error) {
	date, err := parseDate(r.Date)
	if err != nil {
		return model.Tweet{}, err
	}

	t := model.Tweet{
		ID:               string(r.ID),
		URL:              r.URL,
		Date:             date,
		Content:          r.Content,
		ReplyCount:       r.ReplyCount,
		RetweetCount:     r.RetweetCount,
		LikeCount:        r.LikeCount,
		QuoteCount:       r.QuoteCount,
		ConversationID:   string(r.ConversationID),
		Lang:             r.Lang,
		SourceURL:        r.SourceURL,
		Outlinks:         r.Outlinks,
		InReplyToTweetID: string(r.InReplyToTweetID),
	}
	if r.User != nil {
		t.Username = r.User.Username
		t.UserID = string(r.User.ID)
	}
	if r.InReplyToUser != nil {
		t.InReplyToUsername = r.InReplyToUser.Username
	}
	if r.RetweetedTweet != nil {
		t.RetweetedTweetID = string(r.RetweetedTweet.ID)
	}
	if r.QuotedTweet != nil {
		t.QuotedTweetID = string(r.QuotedTweet.ID)
	}
	for _, u := range r.MentionedUsers {
		t.MentionedUsernames = append(t.MentionedUsernames, u.Username)
	}
	if r.Coordinates != nil {
		t.Coordinates = &model.Coordinates{Latitude: r.Coordinates.Latitude, Longitude: r.Coordinates.Longitude}
	}
	if r.Place != nil {
		t.Place = &model.Place{
			FullName:    r.Place.FullName,
			Name:        r.Place.Name,
			Type:        r.Place.Type,
			Country:     r.Place.Country,
			CountryCode: r.Place.CountryCode,
		}
	}

	t.Hashtags = uniqueNonEmpty(r.Hashtags, SanitizeHashtag)
	t.Cashtags = uniqueNonEmpty(r.Cashtags, strings.ToLower)
	t.Media = toMedia(r.Media)
	return t, nil
}

func toMedia(records []mediaRecord) []model.Media {
	if len(records) == 0 {
		return nil
	}
	media := make([]model.Media, 0, len(records))
	for _, m := range records {
		item := model.Media{
			Type:         strings.ToLower(strings.TrimPrefix(m.Type, mediaTypePrefix)),
			FullURL:      m.FullURL,
			PreviewURL:   m.PreviewURL,
			ThumbnailURL: m.ThumbnailURL,
			Duration:     m.Duration,
			Views:        m.Views,
		}
		if len(m.Variants) > 0 {
			// 最もビットレートの高いバリアントを採用する
			variants := append([]variantRecord(nil), m.Variants...)
			sort.SliceStable(variants, func(i, j int) bool { return variants[i].Bitrate > variants[j].Bitrate })
			item.FullURL = variants[0].URL
			item.Bitrate = variants[0].Bitrate
			item.ContentType = variants[0].ContentType
		}
		media = append(media, item)
	}
	return media
}

// toUser はスクレイパーの投稿者レコードを保存用の投稿者に変換する。
func (u *userRecord) toUser() (model.User, error) {
	user := model.User{
		ID:               string(u.ID),
		Username:         u.Username,
		DisplayName:      u.DisplayName,
		Description:      u.Description,
		Verified:         u.Verified,
		FollowersCount:   u.FollowersCount,
		FriendsCount:     u.FriendsCount,
		StatusesCount:    u.StatusesCount,
		FavouritesCount:  u.FavouritesCount,
		ListedCount:      u.ListedCount,
		MediaCount:       u.MediaCount,
		Location:         u.Location,
		Protected:        u.Protected,
		LinkURL:          u.LinkURL,
		ProfileImageURL:  u.ProfileImageURL,
		ProfileBannerURL: u.ProfileBannerURL,
		URL:              u.URL,
	}
	created, err := parseDate(u.Created)
	if err != nil {
		return model.User{}, err
	}
	if !created.IsZero() {
		user.Created = &created
	}
	return user, nil
}

func uniqueNonEmpty(values []string, normalize func(string) string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		n := normalize(v)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
