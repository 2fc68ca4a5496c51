package app

// Command はsearchwatchの起動モード。
// 同じバイナリをAPIとワーカーの両方に使い、docker-compose側でサブコマンドを切り替える。
type Command string

const (
	// CommandServe は検索の登録・参照APIを起動する。
	CommandServe Command = "serve"
	// CommandWorker はPOLLERSで指定したポーラー（search, retweets, botscore）とキューの定期清掃を起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はスキーマを最新まで適用して終了する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は自プロセスの/healthを叩いて終了コードで結果を返す。
	// シェルやcurlのないコンテナでのヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// commands はサブコマンド名から起動モードへの対応。
var commands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandWorker):      CommandWorker,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand は先頭の引数からサブコマンドを決める。
// 引数なしや未知の名前はserveとして扱う。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := commands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}
