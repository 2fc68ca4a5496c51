// Package botscore は投稿者のボット判定スコアを取得するプロバイダーを提供する。
// プロバイダーは設定値で選択し、未知の名前は起動時にエラーとする。
package botscore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/hitoshi/searchwatch/internal/model"
)

// ErrUnknownProvider は設定されたプロバイダー名が登録されていない場合のエラー。
var ErrUnknownProvider = errors.New("未知のボットスコアプロバイダーです")

// Score は1アカウント分の判定結果。
type Score struct {
	Value    float64
	Metadata json.RawMessage
}

// Provider はボット判定スコアの取得機能。
type Provider interface {
	// Name は保存時に出所として記録するプロバイダー名を返す。
	Name() string
	// ScoreOne は1アカウントのスコアを返す。
	ScoreOne(ctx context.Context, user model.User) (Score, error)
	// ScoreBatch は複数アカウントのスコアを返す。戻り値のi番目は入力のi番目に対応する。
	ScoreBatch(ctx context.Context, users []model.User) ([]Score, error)
}

// Config はプロバイダーの設定。
type Config struct {
	PerenAPIKey string
	// PerenRate は1秒あたりの最大リクエスト数。
	PerenRate float64
	// PerenEndpoint はテスト用にエンドポイントを差し替える。空の場合は既定値。
	PerenEndpoint string
	// SocialNetworksPath は判定ツールの実行ファイル。
	SocialNetworksPath string
}

type factory func(cfg Config, client *http.Client, logger *slog.Logger) (Provider, error)

var factories = map[string]factory{
	PerenName: func(cfg Config, client *http.Client, logger *slog.Logger) (Provider, error) {
		return NewPeren(client, logger, cfg)
	},
	BotFinderName: func(cfg Config, client *http.Client, logger *slog.Logger) (Provider, error) {
		return NewBotFinder(logger, cfg), nil
	},
}

// Names は登録済みのプロバイダー名を返す。
func Names() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New は名前に対応するプロバイダーを生成する。
// 名前が空の場合は機能無効としてnilを返す。
func New(name string, cfg Config, client *http.Client, logger *slog.Logger) (Provider, error) {
	if name == "" {
		return nil, nil
	}
	f, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (利用可能: %v)", ErrUnknownProvider, name, Names())
	}
	return f(cfg, client, logger)
}

// ToBotScore は判定結果を保存用のボットスコアに変換する。
func ToBotScore(p Provider, s Score, now time.Time) model.BotScore {
	return model.BotScore{
		Score:     s.Value,
		Provider:  p.Name(),
		UpdatedAt: now,
		Metadata:  s.Metadata,
	}
}

// rawUser は判定ツールへ渡すアカウント情報。スクレイパーの出力と同じキーを使う。
type rawUser struct {
	ID               string     `json:"id"`
	Username         string     `json:"username"`
	DisplayName      string     `json:"displayname"`
	Description      string     `json:"description"`
	Verified         bool       `json:"verified"`
	Created          *time.Time `json:"created,omitempty"`
	FollowersCount   int64      `json:"followersCount"`
	FriendsCount     int64      `json:"friendsCount"`
	StatusesCount    int64      `json:"statusesCount"`
	FavouritesCount  int64      `json:"favouritesCount"`
	ListedCount      int64      `json:"listedCount"`
	MediaCount       int64      `json:"mediaCount"`
	Location         string     `json:"location"`
	Protected        bool       `json:"protected"`
	ProfileImageURL  string     `json:"profileImageUrl,omitempty"`
	ProfileBannerURL string     `json:"profileBannerUrl,omitempty"`
}

func toRawUser(u model.User) rawUser {
	return rawUser{
		ID:               u.ID,
		Username:         u.Username,
		DisplayName:      u.DisplayName,
		Description:      u.Description,
		Verified:         u.Verified,
		Created:          u.Created,
		FollowersCount:   u.FollowersCount,
		FriendsCount:     u.FriendsCount,
		StatusesCount:    u.StatusesCount,
		FavouritesCount:  u.FavouritesCount,
		ListedCount:      u.ListedCount,
		MediaCount:       u.MediaCount,
		Location:         u.Location,
		Protected:        u.Protected,
		ProfileImageURL:  u.ProfileImageURL,
		ProfileBannerURL: u.ProfileBannerURL,
	}
}
