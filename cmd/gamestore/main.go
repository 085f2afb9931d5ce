// Command gamestore はゲームマーケットプレイスのチャット・認証APIサーバー。
//
// 使い方:
//
//	gamestore [serve|migrate|healthcheck]
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/gamestore/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "gamestore: %v\n", err)
		os.Exit(1)
	}
}
