package credential

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/hitoshi/socialpulse/internal/model"
)

// LoadAuthPayload はローカルの設定ファイルから認証エンドポイントに送信する内容を読み込む。
// ファイルの内容はJSONオブジェクトである必要がある。
func LoadAuthPayload(path string) (model.AuthPayload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read auth config: %w", err)
	}

	var payload model.AuthPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse auth config %s: %w", path, err)
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("auth config %s is empty", path)
	}
	return payload, nil
}
