package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"github.com/openmirror/ldsync/replica"
	"github.com/openmirror/ldsync/sqlitedir"
)

const ReplicaCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Replication control.

Usage:
    replicactl cookie-parse <cookie>
    replicactl cookie-merge <cookie> <cookie2>
    replicactl context-csn --store=<dsn> --suffix=<suffix>
    replicactl refresh --store=<dsn> --suffix=<suffix>
        --rid=<rid>
        --provider=<uri>
        --searchbase=<base>
        [--filter=<filter>]
        [--binddn=<binddn>]
        [--password-prompt]

Options:
    -h --help               Show this screen.
    --version               Show version.
    --store=<dsn>           Sqlite store DSN.
    --suffix=<suffix>       Database suffix.
    --rid=<rid>             Source rid [0, 4095].
    --provider=<uri>        Provider URI (ldap://, ldaps://, ldapws://).
    --searchbase=<base>     Search base on the provider.
    --filter=<filter>       Search filter.
    --binddn=<binddn>       Bind DN.
    --password-prompt       Prompt for the bind password on the tty.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ReplicaCtlVersion)
	if err != nil {
		panic(err)
	}

	if cookieParse_, _ := opts.Bool("cookie-parse"); cookieParse_ {
		cookieParse(opts)
	} else if cookieMerge_, _ := opts.Bool("cookie-merge"); cookieMerge_ {
		cookieMerge(opts)
	} else if contextCsn_, _ := opts.Bool("context-csn"); contextCsn_ {
		contextCsn(opts)
	} else if refresh_, _ := opts.Bool("refresh"); refresh_ {
		refresh(opts)
	}
}

func cookieParse(opts docopt.Opts) {
	raw, _ := opts.String("<cookie>")
	cookie, err := replica.ParseCookie([]byte(raw))
	if err != nil {
		Err.Fatalf("parse: %v", err)
	}
	Out.Printf("rid=%03d", cookie.Rid)
	if cookie.Sid != replica.NoSid {
		Out.Printf("sid=%03x", cookie.Sid)
	}
	for i, sid := range cookie.Ctx.Sids {
		if sid == replica.NoSid {
			continue
		}
		Out.Printf("csn sid=%03x %s", sid, cookie.Ctx.Csns[i])
	}
}

func cookieMerge(opts docopt.Opts) {
	rawA, _ := opts.String("<cookie>")
	rawB, _ := opts.String("<cookie2>")
	a, err := replica.ParseCookie([]byte(rawA))
	if err != nil {
		Err.Fatalf("parse: %v", err)
	}
	b, err := replica.ParseCookie([]byte(rawB))
	if err != nil {
		Err.Fatalf("parse: %v", err)
	}
	a.Ctx.Merge(b.Ctx)
	Out.Printf("%s", a)
}

func openStore(opts docopt.Opts) *sqlitedir.Store {
	dsn, _ := opts.String("--store")
	suffix, _ := opts.String("--suffix")
	store, err := sqlitedir.Open(dsn, suffix)
	if err != nil {
		Err.Fatalf("open store: %v", err)
	}
	return store
}

func contextCsn(opts docopt.Opts) {
	store := openStore(opts)
	defer store.Close()

	entry, err := store.FetchEntry(store.Suffix())
	if err != nil {
		Err.Fatalf("fetch context entry: %v", err)
	}
	if attr := entry.Attr(replica.AttrContextCSN); attr != nil {
		for _, value := range attr.Values {
			Out.Printf("%s", value)
		}
	}
}

// refresh runs one synchronous refresh-only pass into the store
func refresh(opts docopt.Opts) {
	store := openStore(opts)
	defer store.Close()

	rid, _ := opts.Int("--rid")
	provider, _ := opts.String("--provider")
	searchbase, _ := opts.String("--searchbase")
	filter, _ := opts.String("--filter")
	binddn, _ := opts.String("--binddn")

	password := ""
	if prompt, _ := opts.Bool("--password-prompt"); prompt {
		fmt.Fprint(os.Stderr, "Password: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			Err.Fatalf("read password: %v", err)
		}
		password = string(raw)
	}

	sourceConfig := &replica.SourceConfig{
		Rid:         rid,
		Provider:    provider,
		SearchBase:  searchbase,
		Filter:      filter,
		TypeName:    "refreshOnly",
		BindDN:      binddn,
		Credentials: password,
	}
	if err := sourceConfig.Validate(); err != nil {
		Err.Fatalf("config: %v", err)
	}

	config := &replica.Config{
		Databases: []*replica.DatabaseConfig{{
			Suffix:  store.Suffix(),
			Sources: []*replica.SourceConfig{sourceConfig},
		}},
	}
	consumer, err := replica.NewConsumer(config, func(*replica.DatabaseConfig) (replica.DirectoryOps, error) {
		return store, nil
	}, nil)
	if err != nil {
		Err.Fatalf("consumer: %v", err)
	}

	database := consumer.Databases()[0]
	source := database.Sources[0]

	// drive ticks inline until the refresh settles
	for {
		result := source.Tick()
		switch result {
		case replica.TickOk:
			Out.Printf("refresh complete, contextCSN %s", database.CookieState.Committed())
			return
		case replica.TickTimeout, replica.TickRepoll, replica.TickBusy:
			time.Sleep(100 * time.Millisecond)
		default:
			Err.Fatalf("refresh failed: %s", result)
		}
	}
}
