package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ergochat/readline"
	"github.com/xxuejie/sohm/store"
)

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("hgetall"),
	readline.PcItem("hset"),
	readline.PcItem("hdel"),
	readline.PcItem("incr"),
	readline.PcItem("sadd"),
	readline.PcItem("srem"),
	readline.PcItem("smembers"),
	readline.PcItem("scard"),
	readline.PcItem("keys"),
	readline.PcItem("del"),
	readline.PcItem("exists"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

func showHash(ctx context.Context, conn store.Conn, key string) error {
	fields, err := conn.HGetAll(ctx, key)
	if err != nil {
		return err
	}
	for name, value := range fields {
		_, _ = fmt.Fprintf(os.Stdout, "%s\t%q\n", name, value)
	}
	return nil
}

func main() {

	l, err := readline.NewEx(&readline.Config{
		Prompt:          "◎ ",
		HistoryFile:     "/tmp/sohm_readline.tmp",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		panic(err)
	}
	defer l.Close()
	l.CaptureExitSignal()

	if len(os.Args) < 2 {
		_, _ = fmt.Fprintln(os.Stderr, "Usage: sohm <store-dir>")
		os.Exit(-2)
	}
	st, err := store.Open(os.Args[1], store.Options{})
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(-1)
	}
	conn := store.Conn(st)
	ctx := context.Background()

	for {
		line, err := l.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				break
			} else {
				continue
			}
		} else if err == io.EOF {
			break
		}

		line = strings.TrimSpace(line)
		args := strings.Split(line, " ")
		cmd := args[0]
		args = args[1:]
		err = nil
		switch cmd {
		case "help":
			fmt.Println("hgetall/hset/hdel/incr/sadd/srem/smembers/scard/keys/del/exists/exit")
		case "exit", "quit":
			ex := 0
			err = st.Close()
			if err != nil {
				_, _ = fmt.Fprintln(os.Stderr, err.Error())
				ex = -1
			}
			os.Exit(ex)
		case "hgetall":
			for _, arg := range args {
				err = showHash(ctx, conn, arg)
				if err != nil {
					break
				}
			}
		case "hset":
			if len(args) < 3 {
				_, _ = fmt.Fprintln(os.Stderr, "hset <key> <field> <value>")
				break
			}
			err = conn.HSet(ctx, args[0], map[string][]byte{args[1]: []byte(args[2])})
		case "hdel":
			if len(args) < 2 {
				_, _ = fmt.Fprintln(os.Stderr, "hdel <key> <field...>")
				break
			}
			err = conn.HDel(ctx, args[0], args[1:]...)
		case "incr":
			if len(args) < 1 {
				_, _ = fmt.Fprintln(os.Stderr, "incr <key>")
				break
			}
			var next int64
			next, err = conn.Incr(ctx, args[0])
			if err == nil {
				fmt.Println(next)
			}
		case "sadd":
			if len(args) < 2 {
				_, _ = fmt.Fprintln(os.Stderr, "sadd <key> <member...>")
				break
			}
			err = conn.SAdd(ctx, args[0], args[1:]...)
		case "srem":
			if len(args) < 2 {
				_, _ = fmt.Fprintln(os.Stderr, "srem <key> <member...>")
				break
			}
			err = conn.SRem(ctx, args[0], args[1:]...)
		case "smembers":
			for _, arg := range args {
				var members []string
				members, err = conn.SMembers(ctx, arg)
				if err != nil {
					break
				}
				for _, m := range members {
					fmt.Println(m)
				}
			}
		case "scard":
			for _, arg := range args {
				var n int64
				n, err = conn.SCard(ctx, arg)
				if err != nil {
					break
				}
				fmt.Println(n)
			}
		case "keys":
			prefix := ""
			if len(args) > 0 {
				prefix = args[0]
			}
			var found []string
			found, err = conn.Keys(ctx, prefix)
			if err != nil {
				break
			}
			for _, k := range found {
				fmt.Println(k)
			}
		case "del":
			err = conn.Del(ctx, args...)
		case "exists":
			for _, arg := range args {
				var ok bool
				ok, err = conn.Exists(ctx, arg)
				if err != nil {
					break
				}
				fmt.Println(ok)
			}
		default:
			_, _ = fmt.Fprintf(os.Stderr, "command unknown: %s\n", cmd)
		}

		if err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "Error executing %s: %s\n", cmd, err.Error())
		}
	}
}
