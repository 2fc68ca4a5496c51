// Package graph はハッシュタグの関係グラフを生成するプロバイダーを提供する。
package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/searchwatch/internal/command"
)

// GeneratorName はsocial-networks-graph-generatorのプロバイダー名。
const GeneratorName = "social-networks-graph-generator"

// ErrUnknownProvider は設定されたプロバイダー名が登録されていない場合のエラー。
var ErrUnknownProvider = errors.New("未知のグラフプロバイダーです")

// Graph はノードとエッジの一覧。要素の形式はプロバイダーに依存する。
type Graph struct {
	Nodes []json.RawMessage `json:"nodes"`
	Edges []json.RawMessage `json:"edges"`
}

// Provider はグラフ生成機能。
type Provider interface {
	Name() string
	Generate(ctx context.Context, hashtag string) (*Graph, error)
	Version(ctx context.Context) (string, error)
}

// Config はプロバイダーの設定。
type Config struct {
	SocialNetworksPath string
}

// New は名前に対応するプロバイダーを生成する。名前が空の場合はnilを返す。
func New(name string, cfg Config, logger *slog.Logger) (Provider, error) {
	switch name {
	case "":
		return nil, nil
	case GeneratorName:
		return NewGenerator(logger, cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
}

// Generator はグラフ生成ツールをサブプロセスとして実行する。
type Generator struct {
	path   string
	logger *slog.Logger
}

var _ Provider = (*Generator)(nil)

// NewGenerator はGeneratorを生成する。
func NewGenerator(logger *slog.Logger, cfg Config) *Generator {
	path := cfg.SocialNetworksPath
	if path == "" {
		path = "graphgenerator"
	}
	return &Generator{path: path, logger: logger}
}

func (g *Generator) Name() string { return GeneratorName }

// Generate はハッシュタグのグラフを生成する。先頭の#は省略できる。
func (g *Generator) Generate(ctx context.Context, hashtag string) (*Graph, error) {
	tag := strings.TrimPrefix(strings.TrimSpace(hashtag), "#")
	if tag == "" {
		return nil, fmt.Errorf("ハッシュタグが空です")
	}

	out, err := command.Output(ctx, command.Spec{Path: g.path, Args: []string{"#" + tag}})
	if err != nil {
		g.logger.Error("グラフ生成ツールの実行に失敗しました",
			slog.String("hashtag", tag),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	var graph Graph
	if err := json.Unmarshal(out, &graph); err != nil {
		return nil, fmt.Errorf("グラフのパースに失敗しました: %w", err)
	}
	return &graph, nil
}

// Version はグラフ生成ツールのバージョンを返す。
func (g *Generator) Version(ctx context.Context) (string, error) {
	out, err := command.Output(ctx, command.Spec{Path: g.path, Args: []string{"--version"}})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}
