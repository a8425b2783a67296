package main

import (
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"sort"
	"strings"
	"syscall"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"golang.org/x/term"

	"github.com/trezcool/academia/core"
	"github.com/trezcool/academia/core/discount"
	"github.com/trezcool/academia/core/ledger"
	"github.com/trezcool/academia/core/user"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	db          *sql.DB // nil with the in-memory engine
	usrSvc      *user.Service
	ledgerSvc   *ledger.Service
	discountSvc *discount.Service
	validate    *validator.Validate
	translator  ut.Translator
	out         io.Writer
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS] - run a migration command (up, down, status, redo, version, ...)")
	fmt.Fprintln(cli.out, "  adduser -name NAME -username USERNAME -email EMAIL [-roles ROLE,...] - create a user")
	fmt.Fprintln(cli.out, "  resetpassword -username USERNAME|EMAIL - reset user's password")
	fmt.Fprintln(cli.out, "  markoverdue [-asof YYYY-MM-DD] - mark the pending entries past their due date as overdue")
	fmt.Fprintln(cli.out, "  reconcile [-owner OWNER_ID] - check the ledger balances against the recorded transactions")
	fmt.Fprintln(cli.out, "  setdiscount -min N -pct PERCENTAGE - update the group discount rule")
	fmt.Fprintln(cli.out, "  export [-format csv|xlsx] [-o FILE] [-owner OWNER_ID] - export the ledger entries")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	// Password prompts happen once the flags are parsed.
	switch args[1] {
	case "migrate":
		if len(args) < 3 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(args[2:])

	case "adduser":
		cmd := newFlagSet("adduser")
		name := cmd.String("name", "", "The user's full name.")
		uname := cmd.String("username", "", "The user's username.")
		email := cmd.String("email", "", "The user's email.")
		roles := cmd.String("roles", "", "Comma-separated roles (e.g. admin:owner). The password will be prompted next.")
		if err := cmd.Parse(args[2:]); err != nil {
			return err
		}
		if *name == "" || (*uname == "" && *email == "") {
			cmd.Usage()
			return errHelp
		}
		pwd, err := cli.promptPassword()
		if err != nil {
			return err
		}
		if pwd == "" {
			cmd.Usage()
			return errHelp
		}
		return cli.addUser(user.NewUser{
			Name:            *name,
			Username:        *uname,
			Email:           *email,
			Password:        pwd,
			PasswordConfirm: pwd,
			Roles:           splitList(*roles),
		})

	case "resetpassword":
		cmd := newFlagSet("resetpassword")
		uname := cmd.String("username", "", "The user's username or email. The password will be prompted next.")
		if err := cmd.Parse(args[2:]); err != nil {
			return err
		}
		if *uname == "" {
			cmd.Usage()
			return errHelp
		}
		pwd, err := cli.promptPassword()
		if err != nil {
			return err
		}
		if pwd == "" {
			cmd.Usage()
			return errHelp
		}
		return cli.resetPassword(*uname, pwd)

	case "markoverdue":
		cmd := newFlagSet("markoverdue")
		asOf := cmd.String("asof", "", "Reference date (YYYY-MM-DD), today by default.")
		if err := cmd.Parse(args[2:]); err != nil {
			return err
		}
		return cli.markOverdue(*asOf)

	case "reconcile":
		cmd := newFlagSet("reconcile")
		owner := cmd.String("owner", "", "Only check the entries of this owner.")
		if err := cmd.Parse(args[2:]); err != nil {
			return err
		}
		return cli.reconcile(*owner)

	case "setdiscount":
		cmd := newFlagSet("setdiscount")
		minStudents := cmd.Int("min", 0, "Minimum group size that gets the discount.")
		pct := cmd.String("pct", "", "Discount percentage, in [0, 100).")
		if err := cmd.Parse(args[2:]); err != nil {
			return err
		}
		if *pct == "" {
			cmd.Usage()
			return errHelp
		}
		return cli.setDiscount(*minStudents, *pct)

	case "export":
		cmd := newFlagSet("export")
		format := cmd.String("format", "csv", "Output format: csv or xlsx.")
		output := cmd.String("o", "", "Output file, stdout by default (csv only).")
		owner := cmd.String("owner", "", "Only export the entries of this owner.")
		if err := cmd.Parse(args[2:]); err != nil {
			return err
		}
		return cli.export(*format, *output, *owner)

	default:
		cli.printUsage()
		return errHelp
	}
}

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}

func (cli *commandLine) promptPassword() (string, error) {
	fmt.Fprint(cli.out, "Enter password:")
	pwd, err := readPasswordFunc(int(syscall.Stdin))
	fmt.Fprintln(cli.out)
	if err != nil {
		return "", err
	}
	return string(pwd), nil
}

// errorMessage renders `err` for the terminal, listing the invalid fields of validation errors.
func (cli *commandLine) errorMessage(err error) string {
	err = core.TranslateValidationErrors(err, cli.translator)

	var vErr *core.ValidationError
	if !errors.As(err, &vErr) || len(vErr.Fields) == 0 {
		return err.Error()
	}
	lines := make([]string, 0, len(vErr.Fields))
	for _, fld := range vErr.Fields {
		lines = append(lines, fmt.Sprintf("  %s: %s", fld.Field, fld.Error))
	}
	sort.Strings(lines)
	return "invalid input:\n" + strings.Join(lines, "\n")
}

func splitList(s string) []string {
	var items []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	return items
}
