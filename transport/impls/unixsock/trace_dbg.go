//go:build debug

package unixsock

import (
	"encoding/json"
	"log"

	"github.com/zeptools/sqlrelay/dbg"
	"github.com/zeptools/sqlrelay/wire"
)

func traceExchange(req *wire.Request, resp *wire.Response) {
	packed := dbg.Pack(resp)
	packed.DebugData = req
	out, err := json.Marshal(packed)
	if err != nil {
		log.Printf("[DEBUG][SOCK] cannot marshal trace: %v", err)
		return
	}
	log.Printf("[DEBUG][SOCK] %s %s", req.Op, out)
}
