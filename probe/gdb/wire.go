package gdb

// Remote serial protocol framing. Packets travel as $data#xx where xx
// is a two-digit hex checksum of data, acknowledged with '+' or '-'.
// Responses may be run-length encoded: a character, '*', then a
// character whose value is the repeat count plus 29.

import (
	"fmt"

	"github.com/juju/errors"
)

func checksum(data []byte) uint8 {
	var sum uint8
	for _, b := range data {
		sum += b
	}
	return sum
}

func buildPacket(data []byte) []byte {
	return []byte(fmt.Sprintf("$%s#%02x", data, checksum(data)))
}

func rleDecode(in []byte) ([]byte, error) {
	var out []byte
	for i := 0; i < len(in); i++ {
		if in[i] != '*' {
			out = append(out, in[i])
			continue
		}
		if len(out) == 0 || i+1 >= len(in) {
			return nil, errors.Errorf("malformed run-length encoding in %q", in)
		}
		i++
		if in[i] < 32 || in[i] > 126 {
			return nil, errors.Errorf("invalid run length 0x%02x in %q", in[i], in)
		}
		rep := int(in[i]) - 29
		v := out[len(out)-1]
		for j := 0; j < rep; j++ {
			out = append(out, v)
		}
	}
	return out, nil
}
