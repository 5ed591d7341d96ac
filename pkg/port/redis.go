package port

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tidwall/redcon"
)

const RedisOk = "OK"

var address = flag.String("address", ":6380", "The ip:port to listen on for Redis protocol.")

// redisCommand represents a Redis command with its arguments.
type redisCommand struct {
	command string // Upper cased.
	args    []string
}

// redisOutput conforms to a real Redis server output on non pub / sub commands.
type redisOutput struct {
	closeConnection bool     // Closes the connection if true.
	writeNil        bool     // Writes a nil value if true.
	err             *string  // Error to return if set.
	writeInt        *int     // Writes an integer value if set.
	writeBulk       []byte   // Writes a bulk string if set.
	writeArray      []string // Writes an array of bulk strings if set.
	writeString     string   // Writes a simple string value otherwise.
}

func closeRedisConnection(msg string) redisOutput {
	return redisOutput{writeString: msg, closeConnection: true}
}

func writeRedisNil() redisOutput {
	return redisOutput{writeNil: true}
}

func writeRedisInt(i int) redisOutput {
	return redisOutput{writeInt: &i}
}

func writeRedisString(s string) redisOutput {
	return redisOutput{writeString: s}
}

func writeRedisBulk(b []byte) redisOutput {
	if b == nil {
		b = []byte{} // An empty value is still a value, not nil.
	}
	return redisOutput{writeBulk: b}
}

func writeRedisArray(items []string) redisOutput {
	if items == nil {
		items = []string{}
	}
	return redisOutput{writeArray: items}
}

func writeRedisError(err error) redisOutput {
	msg := "ERR " + err.Error()
	return redisOutput{err: &msg}
}

func wrongArgCount(command string) redisOutput {
	return writeRedisError(fmt.Errorf("wrong number of arguments for '%s' command", strings.ToLower(command)))
}

type redisHandler struct {
	backend *CacheBackend
}

// newRedisHandler creates a new redisHandler.
func newRedisHandler(backend *CacheBackend) (*redisHandler, error) {
	if backend == nil {
		return nil, errors.New("expected a non-nil backend")
	}
	return &redisHandler{backend: backend}, nil
}

// parseSetCommand parses `SET key value [NX | XX] [GET]`.
func parseSetCommand(args []string) (SetCommand, error) {
	if len(args) < 2 {
		return SetCommand{}, errors.New("wrong number of arguments for 'set' command")
	}
	cmd := SetCommand{key: args[0], value: []byte(args[1])}
	for _, option := range args[2:] {
		switch strings.ToUpper(option) {
		case "NX", "XX":
			if cmd.existence != noCheck {
				return SetCommand{}, errors.New("syntax error")
			}
			cmd.existence = ifNotExists
			if strings.EqualFold(option, "XX") {
				cmd.existence = ifExists
			}
		case "GET":
			cmd.get = true
		default:
			return SetCommand{}, errors.New("syntax error")
		}
	}
	return cmd, nil
}

func (rh *redisHandler) handle(cmd redisCommand) redisOutput {
	switch cmd.command {
	case "PING":
		switch len(cmd.args) {
		case 0:
			return writeRedisString("PONG")
		case 1:
			return writeRedisBulk([]byte(cmd.args[0]))
		default:
			return wrongArgCount(cmd.command)
		}
	case "QUIT":
		return closeRedisConnection(RedisOk)
	case "SET":
		setCmd, err := parseSetCommand(cmd.args)
		if err != nil {
			return writeRedisError(err)
		}
		result := rh.backend.Set(setCmd)
		switch {
		case result.err != nil:
			return writeRedisError(result.err)
		case setCmd.get && result.hasPreviousValue:
			return writeRedisBulk(result.previousValue)
		case setCmd.get || !result.couldSet:
			return writeRedisNil()
		default:
			return writeRedisString(RedisOk)
		}
	case "GET":
		if len(cmd.args) != 1 {
			return wrongArgCount(cmd.command)
		}
		if value, found := rh.backend.Get(cmd.args[0]); found {
			return writeRedisBulk(value)
		}
		return writeRedisNil()
	case "DEL":
		if len(cmd.args) < 1 {
			return wrongArgCount(cmd.command)
		}
		return writeRedisInt(rh.backend.Delete(cmd.args...))
	case "EXISTS":
		if len(cmd.args) < 1 {
			return wrongArgCount(cmd.command)
		}
		return writeRedisInt(rh.backend.Exists(cmd.args...))
	case "KEYS":
		if len(cmd.args) != 1 {
			return wrongArgCount(cmd.command)
		}
		keys, err := rh.backend.Keys(cmd.args[0])
		if err != nil {
			return writeRedisError(err)
		}
		return writeRedisArray(keys)
	case "CLEANUP": // Replies with the number of deleted entries.
		if len(cmd.args) != 0 {
			return wrongArgCount(cmd.command)
		}
		return writeRedisInt(rh.backend.Cleanup().Deleted)
	case "LATENCY": // One line per engine operation.
		if len(cmd.args) != 0 {
			return wrongArgCount(cmd.command)
		}
		var lines []string
		for _, stats := range rh.backend.LatencyStats() {
			lines = append(lines, stats.String())
		}
		return writeRedisArray(lines)
	default:
		return writeRedisError(fmt.Errorf("unknown command '%s'", strings.ToLower(cmd.command)))
	}
}

// writeRedisOutput writes `output` to the connection.
func writeRedisOutput(conn redcon.Conn, output redisOutput) {
	switch {
	case output.closeConnection:
		conn.WriteString(output.writeString)
		if err := conn.Close(); err != nil {
			slog.Error("Failed to close connection.", "remote", conn.RemoteAddr(), "error", err)
		}
	case output.err != nil:
		conn.WriteError(*output.err)
	case output.writeNil:
		conn.WriteNull()
	case output.writeInt != nil:
		conn.WriteInt(*output.writeInt)
	case output.writeBulk != nil:
		conn.WriteBulk(output.writeBulk)
	case output.writeArray != nil:
		conn.WriteArray(len(output.writeArray))
		for _, item := range output.writeArray {
			conn.WriteBulkString(item)
		}
	default:
		conn.WriteString(output.writeString)
	}
}

// newRedisServer builds a Redis protocol server listening on `addr` and serving `backend`.
func newRedisServer(addr string, backend *CacheBackend) (*redcon.Server, error) {
	redisHandler, err := newRedisHandler(backend)
	if err != nil {
		return nil, fmt.Errorf("failed to create a new redis handler: %w", err)
	}
	return redcon.NewServerNetwork("tcp" /*net*/, addr,
		/*handler*/ func(conn redcon.Conn, cmd redcon.Command) {
			// Convert redcon.Command to redisCommand.
			command := redisCommand{
				command: strings.ToUpper(string(cmd.Args[0])),
				args:    make([]string, len(cmd.Args)-1),
			}
			for i := 1; i < len(cmd.Args); i++ {
				command.args[i-1] = string(cmd.Args[i])
			}
			writeRedisOutput(conn, redisHandler.handle(command))
		},
		/*accept*/ func(conn redcon.Conn) bool {
			slog.Debug("Accepted connection.", "remote", conn.RemoteAddr())
			return true // Accept all connections.
		},
		/*closed*/ func(conn redcon.Conn, err error) {
			if err != nil {
				slog.Debug("Connection closed with an error.", "remote", conn.RemoteAddr(), "error", err)
			}
		}), nil
}

// RunRedisServer serves `cache` over the Redis protocol on `--address` until `ctx` is done.
// The cache itself is left open; closing it is up to the caller.
func RunRedisServer(ctx context.Context, cache Cache) error {
	if *address == "" {
		return errors.New("expected a non-empty --address flag")
	}
	backend, err := NewCacheBackend(cache)
	if err != nil {
		return fmt.Errorf("failed to create cache backend: %w", err)
	}
	redisServer, err := newRedisServer(*address, backend)
	if err != nil {
		return err
	}

	serverErrSignal := make(chan error, 1)
	go func() {
		if err := redisServer.ListenAndServe(); err != nil {
			serverErrSignal <- err
		}
		close(serverErrSignal)
	}()
	slog.Info("Serving Redis protocol.", "address", *address)

	select {
	case <-ctx.Done():
		if err := redisServer.Close(); err != nil {
			return fmt.Errorf("failed to close redis server: %w", err)
		}
	case err, ok := <-serverErrSignal:
		if !ok {
			return errors.New("redis server stopped unexpectedly")
		}
		return fmt.Errorf("redis server stopped unexpectedly: %w", err)
	}

	return nil // Exited with no errors.
}
