// Package command は外部コマンド（スクレイパーや判定ツール）の実行を提供する。
// シェルを経由せず引数をそのまま渡すため、検索語のエスケープは不要。
package command

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"unicode/utf8"
)

// maxStderr はエラーメッセージに含める標準エラー出力の最大バイト数。
const maxStderr = 2048

// Error は外部コマンドの異常終了を表す。
// 標準エラー出力の末尾を保持し、呼び出し元がエラー種別を判定できるようにする。
type Error struct {
	Command string
	Stderr  string
	Err     error
}

func (e *Error) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("コマンドの実行に失敗しました: %s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("コマンドの実行に失敗しました: %s: %v: %s", e.Command, e.Err, e.Stderr)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Spec は1回のコマンド実行内容。
type Spec struct {
	Path string
	Args []string
	// Env は現在のプロセス環境に追加する環境変数（KEY=VALUE形式）。
	Env []string
	// Dir は作業ディレクトリ。空の場合は現在のディレクトリ。
	Dir string
}

// String はログ出力用のコマンドライン表現を返す。
func (s Spec) String() string {
	return strings.TrimSpace(s.Path + " " + strings.Join(s.Args, " "))
}

// Run はコマンドを実行し、標準出力をstdoutへ書き出す。
// 非ゼロ終了やコンテキストのキャンセルは*Errorとして返す。
func Run(ctx context.Context, spec Spec, stdout io.Writer) error {
	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Stdout = stdout
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	if err := cmd.Run(); err != nil {
		return &Error{
			Command: spec.String(),
			Stderr:  tail(strings.TrimSpace(stderr.String()), maxStderr),
			Err:     err,
		}
	}
	return nil
}

// Output はコマンドを実行し、標準出力を返す。
func Output(ctx context.Context, spec Spec) ([]byte, error) {
	var out bytes.Buffer
	if err := Run(ctx, spec, &out); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

// tail はsの末尾最大nバイトを返す。文字の途中では切らず、不正なバイト列は取り除く。
// 結果はTEXT列へそのまま保存されるため、常に正しいUTF-8にする。
func tail(s string, n int) string {
	if len(s) > n {
		cut := len(s) - n
		for cut < len(s) && !utf8.RuneStart(s[cut]) {
			cut++
		}
		s = s[cut:]
	}
	return strings.ToValidUTF8(s, "")
}
