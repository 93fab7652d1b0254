package main

import (
	"context"

	"gfx.cafe/util/go/gotel"
	caddycmd "github.com/caddyserver/caddy/v2/cmd"
	_ "github.com/caddyserver/caddy/v2/modules/metrics"

	_ "gfx.cafe/gfx/txpool/lib/app"
	_ "gfx.cafe/gfx/txpool/lib/bench"
	_ "gfx.cafe/gfx/txpool/lib/factories/memory"
	_ "gfx.cafe/gfx/txpool/lib/factories/mysql"
	_ "gfx.cafe/gfx/txpool/lib/factories/pgx"
)

func main() {
	fn, _ := gotel.InitTracing(context.Background(), gotel.WithServiceName("txpool"))
	defer fn(context.Background())

	caddycmd.Main()
}
