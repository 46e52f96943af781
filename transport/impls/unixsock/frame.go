// Package unixsock carries the relay protocol over a unix domain socket as
// newline-delimited JSON frames, optionally sealed with XChaCha20-Poly1305.
package unixsock

import (
	"encoding/json"
	"fmt"

	"github.com/zeptools/sqlrelay/sec"
)

// maxFrame bounds one frame on the wire. Large result pages and LOB chunks
// must be sized below this by configuration.
const maxFrame = 8 << 20

func sealFrame(cipher *sec.XChaCha20Poly1305Cipher, v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if cipher != nil {
		sealed, err := cipher.EncryptEncode(raw)
		if err != nil {
			return nil, fmt.Errorf("seal frame: %w", err)
		}
		raw = []byte(sealed)
	}
	return append(raw, '\n'), nil
}

func openFrame(cipher *sec.XChaCha20Poly1305Cipher, line []byte, v any) error {
	if cipher != nil {
		raw, err := cipher.DecodeDecrypt(string(line))
		if err != nil {
			return fmt.Errorf("open frame: %w", err)
		}
		line = raw
	}
	if err := json.Unmarshal(line, v); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}
