// Command echo-worker is a sample service worker. Declare it in the gateway
// settings as
//
//	services:
//	  - name: echo
//	    operations: /path/to/echo-worker
//	    instances: 2
package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"

	"procmesh/worker"
)

type Text struct {
	Text string `json:"text"`
}

type Echo struct{}

func (Echo) Upper(args *Text, reply *Text) error {
	reply.Text = strings.ToUpper(args.Text)
	return nil
}

func (Echo) Reverse(ctx context.Context, args *Text, reply *Text) error {
	if args.Text == "" {
		return errors.New("nothing to reverse")
	}
	r := []rune(args.Text)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}
	reply.Text = string(r)
	return nil
}

func main() {
	worker.Main(func(w *worker.Worker) error {
		w.Handle("echo", func(ctx context.Context, args json.RawMessage) (any, error) {
			return args, nil
		})
		w.Handle("hostname", func(ctx context.Context, args json.RawMessage) (any, error) {
			return os.Hostname()
		})
		return w.Register(&Echo{})
	})
}
