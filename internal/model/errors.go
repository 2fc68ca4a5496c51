package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, search, provider, system
	Action   string // 利用者向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidSearch     = "INVALID_SEARCH"
	ErrCodeSearchNotFound    = "SEARCH_NOT_FOUND"
	ErrCodeAccountNotFound   = "ACCOUNT_NOT_FOUND"
	ErrCodeScrapeFailed      = "SCRAPE_FAILED"
	ErrCodeProviderDisabled  = "PROVIDER_DISABLED"
	ErrCodeProviderFailed    = "PROVIDER_FAILED"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
)

// NewInvalidSearchError は検索登録リクエストが不正な場合のエラーを生成する。
func NewInvalidSearchError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidSearch,
		Message:  fmt.Sprintf("無効な検索です: %s", reason),
		Category: "validation",
		Action:   "name と type（KEYWORD, HASHTAG, MENTION, URL, CASHTAG）を指定してください。",
	}
}

// NewSearchNotFoundError は検索が見つからない場合のエラーを生成する。
func NewSearchNotFoundError(id string) *APIError {
	return &APIError{
		Code:     ErrCodeSearchNotFound,
		Message:  fmt.Sprintf("指定された検索が見つかりません: %s", id),
		Category: "search",
		Action:   "検索IDを確認してください。",
	}
}

// NewAccountNotFoundError は収集対象アカウントが存在しない場合のエラーを生成する。
func NewAccountNotFoundError(username string) *APIError {
	return &APIError{
		Code:     ErrCodeAccountNotFound,
		Message:  fmt.Sprintf("アカウントが見つかりません: %s", username),
		Category: "search",
		Action:   "ユーザー名を確認してください。凍結済みのアカウントは取得できません。",
	}
}

// NewScrapeFailedError はスクレイパーの呼び出しに失敗した場合のエラーを生成する。
func NewScrapeFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeScrapeFailed,
		Message:  fmt.Sprintf("データの取得に失敗しました: %s", reason),
		Category: "provider",
		Action:   "しばらく待ってから再度お試しください。",
	}
}

// NewProviderDisabledError はプロバイダーが設定されていない場合のエラーを生成する。
func NewProviderDisabledError(kind string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderDisabled,
		Message:  fmt.Sprintf("%s プロバイダーが設定されていません。", kind),
		Category: "provider",
		Action:   "環境変数でプロバイダーを設定してからワーカーを再起動してください。",
	}
}

// NewProviderFailedError は外部プロバイダーの呼び出しに失敗した場合のエラーを生成する。
func NewProviderFailedError(kind, reason string) *APIError {
	return &APIError{
		Code:     ErrCodeProviderFailed,
		Message:  fmt.Sprintf("%s プロバイダーの呼び出しに失敗しました: %s", kind, reason),
		Category: "provider",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
