package cli

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/nhirsama/Goster-GPS/src/inter"
	"github.com/nhirsama/Goster-GPS/src/protocol"
	"github.com/spf13/cobra"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <hex>",
	Short: "解码一帧十六进制数据并以 JSON 输出",
	Example: `  goster-gps decode 78780d0103588990500000010001f2d50d0a
  goster-gps decode "78 78 0D 01 03 58 89 90 50 00 00 01 00 01 F2 D5 0D 0A"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := decodeFrame(strings.Join(args, ""))
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

// decodeResult decode 命令的输出
type decodeResult struct {
	Decoder   string           `json:"decoder"`
	Kind      inter.FrameKind  `json:"kind"`
	Identity  string           `json:"identity,omitempty"`
	Ping      *inter.Ping      `json:"ping,omitempty"`
	Heartbeat *inter.Heartbeat `json:"heartbeat,omitempty"`
}

func decodeFrame(input string) (*decodeResult, error) {
	input = strings.NewReplacer(" ", "", ":", "", "\n", "").Replace(input)
	input = strings.TrimPrefix(strings.TrimPrefix(input, "0x"), "0X")
	frame, err := hex.DecodeString(input)
	if err != nil {
		return nil, fmt.Errorf("不是有效的十六进制: %w", err)
	}

	var errs []error
	for _, d := range protocol.Decoders() {
		if !d.MatchesSignature(frame) {
			errs = append(errs, fmt.Errorf("%s: 帧结构或校验和无效", d.Name()))
			continue
		}

		res := &decodeResult{Decoder: d.Name(), Kind: d.LookupFrameKind(frame)}
		if id, ok := d.ExtractIdentity(frame); ok && res.Kind == inter.FrameLogin {
			res.Identity = id
		}
		switch {
		case res.Kind.CarriesLocation():
			p, err := d.DecodePing(frame)
			if err != nil {
				return nil, err
			}
			res.Ping = &p
		case res.Kind == inter.FrameHeartbeat:
			hb, err := d.DecodeHeartbeat(frame)
			if err != nil {
				return nil, err
			}
			res.Heartbeat = &hb
		}
		return res, nil
	}
	return nil, errors.Join(errs...)
}
