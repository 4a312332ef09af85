package app

// Command はsocialpulseバイナリの起動モードを表す。
type Command string

const (
	// CommandServe は認証情報マネージャーと集計キャッシュを起動し、APIを提供する。
	CommandServe Command = "serve"
	// CommandMigrate はCREDENTIAL_STORE=database用の認証情報テーブルを
	// DATABASE_URLのデータベースに作成・更新する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck は起動中のサーバーの/healthを確認して終了する。
	// シェルを持たないdistrolessイメージのHEALTHCHECKから呼び出す。
	CommandHealthcheck Command = "healthcheck"
)

var knownCommands = map[string]Command{
	string(CommandServe):       CommandServe,
	string(CommandMigrate):     CommandMigrate,
	string(CommandHealthcheck): CommandHealthcheck,
}

// ParseCommand は先頭の引数からサブコマンドを決定する。
// 引数なし、または未知のサブコマンドはserveとして扱う。2番目以降の引数は参照しない。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	if cmd, ok := knownCommands[args[0]]; ok {
		return cmd
	}
	return CommandServe
}
