package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/jmoiron/sqlx"

	echoapi "github.com/trezcool/tathmini/apps/api/echo"
	"github.com/trezcool/tathmini/core"
	"github.com/trezcool/tathmini/core/session"
)

var errHelp = errors.New("help provided")

type commandLine struct {
	db      *sqlx.DB // nil for the memory engine
	conf    *core.Config
	sessSvc *session.Service
	out     io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS] - run a goose migration command (up, down, status, ...)")
	fmt.Fprintln(cli.out, "  token -name NAME [-email EMAIL] - issue an instructor API token")
	fmt.Fprintln(cli.out, "  reconcile -id ATTEMPT_ID - run a reconciliation pass and print its outcome")
	fmt.Fprintln(cli.out, "  sweep - reconcile every open attempt once")
}

func (cli *commandLine) run(ctx context.Context, args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	tokenCmd := flag.NewFlagSet("token", flag.ContinueOnError)
	tokenCmd.SetOutput(cli.out)
	tokenName := tokenCmd.String("name", "", "The instructor's name.")
	tokenEmail := tokenCmd.String("email", "", "The instructor's email (optional).")

	reconcileCmd := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	reconcileCmd.SetOutput(cli.out)
	reconcileID := reconcileCmd.String("id", "", "The attempt session id.")

	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])
	case "token":
		if err := tokenCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *tokenName == "" {
			tokenCmd.Usage()
			return errHelp
		}
		return cli.token(*tokenName, *tokenEmail)
	case "reconcile":
		if err := reconcileCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *reconcileID == "" {
			reconcileCmd.Usage()
			return errHelp
		}
		return cli.reconcile(ctx, *reconcileID)
	case "sweep":
		return cli.sweep(ctx)
	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) token(name, email string) error {
	token, err := echoapi.GenerateToken(cli.conf, echoapi.GetInstructorClaims(cli.conf, name, email))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cli.out, token)
	return err
}

func (cli *commandLine) reconcile(ctx context.Context, id string) error {
	out, err := cli.sessSvc.Reconcile(ctx, id, nil)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cli.out)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func (cli *commandLine) sweep(ctx context.Context) error {
	n, err := cli.sessSvc.Sweep(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cli.out, "%d attempt(s) reconciled\n", n)
	return err
}
