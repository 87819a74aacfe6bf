package rpc

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Line transport responses.
//
// A request line is "<name> [arg...]" with decimal 32-bit signed
// arguments. The reply is one line: "RET <value>", "ERR unknown-func"
// or "ERR bad-arg". Calls are serialized by the transport — one in
// flight.

// ServeLine handles one request line and returns the reply line
// (without the newline). Blank lines reply "".
func (t *Table) ServeLine(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}

	name := fields[0]
	argv := make([]int32, 0, len(fields)-1)

	for _, f := range fields[1:] {
		v, err := strconv.ParseInt(f, 10, 32)
		if err != nil {
			return "ERR bad-arg"
		}

		argv = append(argv, int32(v))
	}

	ret, ok := t.Dispatch(name, argv)
	if !ok {
		return "ERR unknown-func"
	}

	return fmt.Sprintf("RET %d", ret)
}

// Serve answers request lines from r on w until r is exhausted.
func (t *Table) Serve(r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)

	for sc.Scan() {
		reply := t.ServeLine(sc.Text())
		if reply == "" {
			continue
		}

		if _, err := fmt.Fprintln(w, reply); err != nil {
			return err
		}
	}

	return sc.Err()
}
