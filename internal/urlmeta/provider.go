// Package urlmeta はURL種別の検索対象ページからメタデータを取得するプロバイダーを提供する。
package urlmeta

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/searchwatch/internal/model"
)

// ErrUnknownProvider は設定されたプロバイダー名が登録されていない場合のエラー。
var ErrUnknownProvider = errors.New("未知のURLメタデータプロバイダーです")

// Provider はURLのメタデータ取得機能。
type Provider interface {
	Name() string
	Fetch(ctx context.Context, rawURL string) (*model.URLMetadata, error)
}

// URLValidator は利用者指定URLへのアクセス制限。security.URLGuardを抽象化する。
type URLValidator interface {
	ValidateURL(rawURL string) error
	NewSafeClient(timeout time.Duration) *http.Client
}

// TextSanitizer はメタデータの文字列からマークアップを除去する。
type TextSanitizer interface {
	StripTags(raw string) string
}

// Config はプロバイダーの設定。
type Config struct {
	Timeout time.Duration
}

// New は名前に対応するプロバイダーを生成する。名前が空の場合はnilを返す。
func New(name string, cfg Config, validator URLValidator, sanitizer TextSanitizer, logger *slog.Logger) (Provider, error) {
	switch name {
	case "":
		return nil, nil
	case OpenGraphName:
		return NewOpenGraph(validator, sanitizer, logger, cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
}
