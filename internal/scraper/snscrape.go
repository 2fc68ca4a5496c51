// Package scraper は外部スクレイピングツール（snscrape）を呼び出し、
// 検索語に一致する投稿をバッチ単位で取得する。
package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/searchwatch/internal/command"
	"github.com/hitoshi/searchwatch/internal/model"
	"github.com/hitoshi/searchwatch/internal/pagination"
)

// guestTokenMessage はプロキシがブロックされた際にスクレイパーが出力するメッセージ。
const guestTokenMessage = "Unable to find guest token"

var (
	// ErrInvalidUsername はユーザー名の形式が不正な場合のエラー。
	ErrInvalidUsername = errors.New("ユーザー名の形式が不正です")

	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]{1,15}$`)
)

// FetchRequest は1回の取得の入力。
type FetchRequest struct {
	Term      string
	Cursor    model.Cursor
	BatchSize int
	// Proxy はHTTP_PROXY/HTTPS_PROXYとして渡すプロキシURL。空の場合は直接接続。
	Proxy string
	// Retweets はネイティブリツイートのみを対象にする。
	Retweets bool
}

// FetchResult は1回の取得の結果。
type FetchResult struct {
	// Tweets はカーソル境界のレコードを除いた投稿。新しい順。
	Tweets []model.Tweet
	// Users は投稿者をID単位で重複排除したもの。
	Users []model.User
	// Retweeted はリツイート元の投稿をID単位で重複排除したもの。Retweets指定時のみ設定する。
	Retweeted []model.Tweet
	// Newest と Oldest は境界レコードを除外する前のバッチ先頭と末尾。空のバッチではnil。
	Newest *pagination.Marker
	Oldest *pagination.Marker
}

// UserStatus はアカウントの状態を表す。
type UserStatus string

const (
	UserActive    UserStatus = "active"
	UserNotFound  UserStatus = "notfound"
	UserSuspended UserStatus = "suspended"
)

// Config はSnscrapeの設定。
type Config struct {
	// Path はスクレイパーの実行ファイル。
	Path string
	// TempDir は作業ディレクトリを作成する親ディレクトリ。空の場合はOSの既定。
	TempDir string
}

// Snscrape はスクレイパーのサブプロセスを実行するアダプター。
// 状態を持たず、複数のgoroutineから同時に呼び出せる。
type Snscrape struct {
	cfg    Config
	logger *slog.Logger
}

// NewSnscrape はSnscrapeを生成する。
func NewSnscrape(logger *slog.Logger, cfg Config) *Snscrape {
	if cfg.Path == "" {
		cfg.Path = "snscrape"
	}
	return &Snscrape{cfg: cfg, logger: logger}
}

// Query はスクレイパーに渡す検索クエリを組み立てる。
func Query(req FetchRequest) string {
	var b strings.Builder
	b.WriteString("+")
	b.WriteString(req.Term)
	if req.Retweets {
		b.WriteString(" filter:nativeretweets")
	}
	switch req.Cursor.Mode() {
	case model.FetchModeBackfill:
		b.WriteString(" max_id:")
		b.WriteString(req.Cursor.UntilID())
	case model.FetchModeForward:
		b.WriteString(" since_id:")
		b.WriteString(req.Cursor.SinceID())
	}
	return b.String()
}

// Args はtwitter-searchの引数を組み立てる。
func Args(req FetchRequest) []string {
	return []string{
		"--with-entity",
		"--max-results", strconv.Itoa(req.BatchSize),
		"--jsonl",
		"twitter-search",
		Query(req),
	}
}

// Fetch はスクレイパーを1回実行して結果を返す。
// 出力は呼び出しごとに作成する一時ディレクトリに書き出し、終了時に削除する。
func (s *Snscrape) Fetch(ctx context.Context, req FetchRequest) (*FetchResult, error) {
	if strings.TrimSpace(req.Term) == "" {
		return nil, fmt.Errorf("検索語が空です")
	}
	if req.BatchSize <= 0 {
		return nil, fmt.Errorf("取得件数が不正です: %d", req.BatchSize)
	}

	dir, err := os.MkdirTemp(s.cfg.TempDir, "searchwatch-")
	if err != nil {
		return nil, fmt.Errorf("作業ディレクトリの作成に失敗しました: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("作業ディレクトリの削除に失敗しました",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
		}
	}()

	outPath := filepath.Join(dir, "tweets.jsonl")
	out, err := os.Create(outPath)
	if err != nil {
		return nil, fmt.Errorf("出力ファイルの作成に失敗しました: %w", err)
	}

	spec := command.Spec{
		Path: s.cfg.Path,
		Args: Args(req),
		Env:  proxyEnv(req.Proxy),
		Dir:  dir,
	}

	start := time.Now()
	s.logger.Info("スクレイパーを実行します",
		slog.String("query", Query(req)),
		slog.String("mode", req.Cursor.Mode().String()),
		slog.Int("batch_size", req.BatchSize),
		slog.Bool("proxy", req.Proxy != ""),
	)

	runErr := command.Run(ctx, spec, out)
	if err := out.Close(); err != nil && runErr == nil {
		runErr = fmt.Errorf("出力ファイルのクローズに失敗しました: %w", err)
	}
	if runErr != nil {
		return nil, runErr
	}

	f, err := os.Open(outPath)
	if err != nil {
		return nil, fmt.Errorf("出力ファイルのオープンに失敗しました: %w", err)
	}
	defer f.Close()

	records, err := decodeRecords(f)
	if err != nil {
		return nil, err
	}

	result, err := buildResult(req, records)
	if err != nil {
		return nil, err
	}

	s.logger.Info("スクレイパーの実行が完了しました",
		slog.String("query", Query(req)),
		slog.Int("records", len(records)),
		slog.Int("tweets", len(result.Tweets)),
		slog.Int("users", len(result.Users)),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
	)
	return result, nil
}

// decodeRecords はJSONL出力を投稿レコードに変換する。
// 投稿者を持たない行（エンティティ行など）は投稿ではないため無視する。
func decodeRecords(r io.Reader) ([]tweetRecord, error) {
	dec := json.NewDecoder(r)
	var records []tweetRecord
	for {
		var rec tweetRecord
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("スクレイパー出力の解析に失敗しました: %w", err)
		}
		if rec.ID == "" || rec.User == nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// buildResult は境界マーカーを求めてから、カーソルと同じIDのレコードを除外する。
func buildResult(req FetchRequest, records []tweetRecord) (*FetchResult, error) {
	result := &FetchResult{}
	if len(records) == 0 {
		return result, nil
	}

	newest, err := markerOf(&records[0])
	if err != nil {
		return nil, err
	}
	oldest, err := markerOf(&records[len(records)-1])
	if err != nil {
		return nil, err
	}
	result.Newest = newest
	result.Oldest = oldest

	boundary := req.Cursor.ID()
	userIndex := make(map[string]int)
	retweetSeen := make(map[string]struct{})

	for i := range records {
		rec := &records[i]
		if boundary != "" && string(rec.ID) == boundary {
			continue
		}

		tweet, err := rec.toTweet()
		if err != nil {
			return nil, fmt.Errorf("投稿 %s の変換に失敗しました: %w", rec.ID, err)
		}
		result.Tweets = append(result.Tweets, tweet)

		user, err := rec.User.toUser()
		if err != nil {
			return nil, fmt.Errorf("投稿者 %s の変換に失敗しました: %w", rec.User.ID, err)
		}
		if idx, ok := userIndex[user.ID]; ok {
			result.Users[idx] = user
		} else {
			userIndex[user.ID] = len(result.Users)
			result.Users = append(result.Users, user)
		}

		if req.Retweets && rec.RetweetedTweet != nil && rec.RetweetedTweet.ID != "" {
			if _, ok := retweetSeen[string(rec.RetweetedTweet.ID)]; ok {
				continue
			}
			original, err := rec.RetweetedTweet.toTweet()
			if err != nil {
				return nil, fmt.Errorf("リツイート元 %s の変換に失敗しました: %w", rec.RetweetedTweet.ID, err)
			}
			retweetSeen[original.ID] = struct{}{}
			result.Retweeted = append(result.Retweeted, original)
		}
	}

	return result, nil
}

func markerOf(rec *tweetRecord) (*pagination.Marker, error) {
	date, err := parseDate(rec.Date)
	if err != nil {
		return nil, err
	}
	return &pagination.Marker{ID: string(rec.ID), Date: date}, nil
}

func proxyEnv(proxy string) []string {
	if proxy == "" {
		return nil
	}
	return []string{"HTTP_PROXY=" + proxy, "HTTPS_PROXY=" + proxy}
}

// LookupUser はアカウントのプロフィールを取得する。
// 出力が空ならUserNotFound、スクレイパーが異常終了した場合はUserSuspendedを返す。
func (s *Snscrape) LookupUser(ctx context.Context, username string) (*model.User, UserStatus, error) {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if !usernamePattern.MatchString(username) {
		return nil, "", ErrInvalidUsername
	}

	out, err := command.Output(ctx, command.Spec{
		Path: s.cfg.Path,
		Args: []string{"--with-entity", "--max-results", "0", "--jsonl", "twitter-user", username},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		s.logger.Info("アカウントを取得できませんでした",
			slog.String("username", username),
			slog.String("error", err.Error()),
		)
		return nil, UserSuspended, nil
	}

	line := strings.TrimSpace(string(out))
	if line == "" {
		return nil, UserNotFound, nil
	}
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}

	var rec userRecord
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return nil, "", fmt.Errorf("プロフィールの解析に失敗しました: %w", err)
	}
	user, err := rec.toUser()
	if err != nil {
		return nil, "", err
	}
	return &user, UserActive, nil
}

// Version はスクレイパーのバージョン文字列を返す。
func (s *Snscrape) Version(ctx context.Context) (string, error) {
	out, err := command.Output(ctx, command.Spec{Path: s.cfg.Path, Args: []string{"--version"}})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// IsGuestTokenError はプロキシがブロックされたことを示すエラーかを判定する。
// このエラーが出たプロキシはプールから除外する。
func IsGuestTokenError(err error) bool {
	return err != nil && strings.Contains(err.Error(), guestTokenMessage)
}
