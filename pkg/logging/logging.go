// Package logging はサービス共通のzapロガーを生成する。
package logging

import (
	"fmt"

	"go.uber.org/zap"
)

// New はサービス名を付けたロガーを生成する。
// development が true の場合は人が読みやすい形式で出力する。
func New(service string, development bool) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("ロガーの初期化に失敗: %w", err)
	}
	return logger.With(zap.String("service", service)), nil
}
