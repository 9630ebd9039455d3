// bridgectl talks to the PLC the bridge is configured for: single tag reads
// and writes, the counter check, and helpers for writing the service config.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/KevinKickass/OpenMachineBridge/internal/auth"
	"github.com/KevinKickass/OpenMachineBridge/internal/config"
	"github.com/KevinKickass/OpenMachineBridge/internal/opcua"
	"github.com/KevinKickass/OpenMachineBridge/internal/profile"
	"github.com/KevinKickass/OpenMachineBridge/internal/types"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const usage = `usage: bridgectl <command> [flags]

commands:
  read <address> --type <type>            read one tag
  write <address> <value> --type <type>   write one tag
  count-up                                add 20 to the counter and raise countUp
  tags [--profile name]                   list the tags of a cell profile
  hash-password [password]                print an argon2id hash for auth.users
  machine-token                           print a new machine token and its hash
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "read":
		err = runRead(args)
	case "write":
		err = runWrite(args)
	case "count-up":
		err = runCountUp(args)
	case "tags":
		err = runTags(args)
	case "hash-password":
		err = runHashPassword(args)
	case "machine-token":
		err = runMachineToken()
	case "-h", "--help", "help":
		fmt.Print(usage)
	default:
		err = fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "bridgectl:", err)
		os.Exit(1)
	}
}

// connFlags are shared by every command that opens a session.
type connFlags struct {
	configPath string
	host       string
	port       int
	username   string
	password   string
	timeout    time.Duration
}

func (c *connFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&c.configPath, "config", "c", "", "service config to take the endpoint from")
	fs.StringVar(&c.host, "host", "", "PLC host (overrides config)")
	fs.IntVar(&c.port, "port", 0, "PLC port (overrides config)")
	fs.StringVarP(&c.username, "user", "u", "", "OPC UA username (overrides config)")
	fs.StringVarP(&c.password, "password", "p", "", "OPC UA password (overrides config)")
	fs.DurationVar(&c.timeout, "timeout", 10*time.Second, "overall deadline")
}

func (c *connFlags) connect(ctx context.Context) (*opcua.Session, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	ep := cfg.OPCUA.Endpoint()
	if c.host != "" {
		ep.Host = c.host
	}
	if c.port != 0 {
		ep.Port = c.port
	}
	if c.username != "" {
		ep.Username = c.username
	}
	if c.password != "" {
		ep.Password = c.password
	}

	return opcua.Connect(ctx, ep, opcua.Options{
		DialTimeout:    cfg.OPCUA.DialTimeout,
		RequestTimeout: cfg.OPCUA.RequestTimeout,
	})
}

func withSession(c *connFlags, fn func(ctx context.Context, s *opcua.Session) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	session, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer session.Close(context.Background())

	return fn(ctx, session)
}

func runRead(args []string) error {
	fs := pflag.NewFlagSet("read", pflag.ContinueOnError)
	var conn connFlags
	conn.register(fs)
	typeName := fs.StringP("type", "t", "double", "tag data type")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("read needs exactly one node address")
	}
	dt, err := types.ParseDataType(*typeName)
	if err != nil {
		return err
	}
	address := types.NodeAddress(fs.Arg(0))

	return withSession(&conn, func(ctx context.Context, s *opcua.Session) error {
		h, err := s.Resolve(ctx, address, dt)
		if err != nil {
			return err
		}
		v, err := s.Read(ctx, h, dt)
		if err != nil {
			return err
		}
		fmt.Printf("%s = %s (%s)\n", address, v, v.Type)
		return nil
	})
}

func runWrite(args []string) error {
	fs := pflag.NewFlagSet("write", pflag.ContinueOnError)
	var conn connFlags
	conn.register(fs)
	typeName := fs.StringP("type", "t", "double", "tag data type")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("write needs a node address and a value")
	}
	dt, err := types.ParseDataType(*typeName)
	if err != nil {
		return err
	}
	value, err := types.ParseValue(dt, fs.Arg(1))
	if err != nil {
		return err
	}
	address := types.NodeAddress(fs.Arg(0))

	return withSession(&conn, func(ctx context.Context, s *opcua.Session) error {
		h, err := s.Resolve(ctx, address, dt)
		if err != nil {
			return err
		}
		if err := s.Write(ctx, h, value); err != nil {
			return err
		}
		fmt.Printf("%s <- %s\n", address, value)
		return nil
	})
}

// runCountUp is the PLC smoke test: counter += 20, then countUp = true.
func runCountUp(args []string) error {
	fs := pflag.NewFlagSet("count-up", pflag.ContinueOnError)
	var conn connFlags
	conn.register(fs)
	counter := fs.String("counter", "ns=6;s=::Logic:counter", "counter tag (byte)")
	countUp := fs.String("count-up", "ns=6;s=::Logic:countUp", "countUp tag (boolean)")
	step := fs.Uint8("step", 20, "amount added to the counter")
	if err := fs.Parse(args); err != nil {
		return err
	}

	return withSession(&conn, func(ctx context.Context, s *opcua.Session) error {
		ch, err := s.Resolve(ctx, types.NodeAddress(*counter), types.DataTypeByte)
		if err != nil {
			return err
		}
		uh, err := s.Resolve(ctx, types.NodeAddress(*countUp), types.DataTypeBoolean)
		if err != nil {
			return err
		}

		before, err := s.Read(ctx, ch, types.DataTypeByte)
		if err != nil {
			return err
		}
		sum, err := addCounter(before.Byte(), *step)
		if err != nil {
			return err
		}
		next := types.ByteValue(sum)
		if err := s.Write(ctx, ch, next); err != nil {
			return err
		}
		if err := s.Write(ctx, uh, types.BoolValue(true)); err != nil {
			return err
		}

		fmt.Printf("counter %s -> %s, countUp raised\n", before, next)
		return nil
	})
}

// addCounter adds step to a Byte counter. The PLC tag cannot hold more than
// 255, so an overflow is an error instead of a wrap to a small value.
func addCounter(counter, step uint8) (uint8, error) {
	sum := int(counter) + int(step)
	if sum > math.MaxUint8 {
		return 0, fmt.Errorf("counter %d + %d overflows Byte", counter, step)
	}
	return uint8(sum), nil
}

func runTags(args []string) error {
	fs := pflag.NewFlagSet("tags", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "service config to take profile paths from")
	name := fs.String("profile", "", "profile name or path (default: cell_profiles.active)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *name == "" {
		*name = cfg.Profiles.Active
	}

	loader, err := profile.NewLoader(cfg.Profiles.SearchPaths)
	if err != nil {
		return err
	}
	p, err := loader.Load(*name)
	if err != nil {
		return err
	}
	layout, err := profile.NewComposer(zap.NewNop()).Compose(p)
	if err != nil {
		return err
	}

	for _, tag := range layout.Tags() {
		fmt.Printf("%-20s %-6s %-8s %s\n", tag.LogicalName, tag.Direction, tag.DataType, tag.Address)
	}
	return nil
}

func runHashPassword(args []string) error {
	var password string
	if len(args) > 0 {
		password = args[0]
	} else {
		fmt.Fprint(os.Stderr, "password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return errors.New("empty password")
	}

	hash, err := auth.NewPasswordHasher().HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

func runMachineToken() error {
	token, hash, err := auth.NewMachineTokenGenerator().GenerateMachineToken()
	if err != nil {
		return err
	}
	fmt.Println("token:     ", token)
	fmt.Println("token_hash:", hash)
	return nil
}
