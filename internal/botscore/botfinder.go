package botscore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hitoshi/searchwatch/internal/command"
	"github.com/hitoshi/searchwatch/internal/model"
)

// BotFinderName はsocial-networks-bot-finderのプロバイダー名。
const BotFinderName = "social-networks-bot-finder"

// BotFinder はボット判定ツールをサブプロセスとして実行する。
type BotFinder struct {
	path   string
	logger *slog.Logger
}

var _ Provider = (*BotFinder)(nil)

// NewBotFinder はBotFinderを生成する。
func NewBotFinder(logger *slog.Logger, cfg Config) *BotFinder {
	path := cfg.SocialNetworksPath
	if path == "" {
		path = "botfinder"
	}
	return &BotFinder{path: path, logger: logger}
}

func (b *BotFinder) Name() string { return BotFinderName }

type botFinderResult struct {
	BotScore float64         `json:"botScore"`
	Details  json.RawMessage `json:"details"`
}

func (r botFinderResult) score() Score {
	return Score{Value: r.BotScore, Metadata: r.Details}
}

// ScoreOne はアカウント情報をJSONで渡してスコアを取得する。
func (b *BotFinder) ScoreOne(ctx context.Context, user model.User) (Score, error) {
	var result botFinderResult
	if err := b.run(ctx, toRawUser(user), &result); err != nil {
		return Score{}, err
	}
	return result.score(), nil
}

// ScoreBatch はアカウント情報の配列を渡し、同じ順序の配列を受け取る。
func (b *BotFinder) ScoreBatch(ctx context.Context, users []model.User) ([]Score, error) {
	if len(users) == 0 {
		return nil, nil
	}
	raw := make([]rawUser, 0, len(users))
	for _, u := range users {
		raw = append(raw, toRawUser(u))
	}

	var results []botFinderResult
	if err := b.run(ctx, raw, &results); err != nil {
		return nil, err
	}
	if len(results) != len(users) {
		return nil, fmt.Errorf("判定結果の件数が一致しません: %d != %d", len(results), len(users))
	}

	scores := make([]Score, len(results))
	for i, r := range results {
		scores[i] = r.score()
	}
	return scores, nil
}

func (b *BotFinder) run(ctx context.Context, input any, out any) error {
	payload, err := json.Marshal(input)
	if err != nil {
		return fmt.Errorf("アカウント情報のエンコードに失敗しました: %w", err)
	}

	stdout, err := command.Output(ctx, command.Spec{
		Path: b.path,
		Args: []string{"--rawjson", string(payload)},
	})
	if err != nil {
		b.logger.Error("ボット判定ツールの実行に失敗しました",
			slog.String("error", err.Error()),
		)
		return err
	}

	if err := json.Unmarshal(stdout, out); err != nil {
		return fmt.Errorf("判定結果のパースに失敗しました: %w", err)
	}
	return nil
}
