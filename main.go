// ringlink demo peer: a stdin-driven CLI around the call engine, for manual
// testing of two or more peers against a shared signaling store.
//
//	ringlink -hub                         run a websocket signaling hub
//	ringlink -dir peers/alice             run a peer (sqlite store by default)
//	ringlink -dir peers/bob -fake-media   loopback media, no camera needed
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log/v2"

	"github.com/ringlink/ringlink/internal/audio"
	"github.com/ringlink/ringlink/internal/call"
	"github.com/ringlink/ringlink/internal/chat"
	"github.com/ringlink/ringlink/internal/config"
	"github.com/ringlink/ringlink/internal/group"
	"github.com/ringlink/ringlink/internal/media"
	"github.com/ringlink/ringlink/internal/storage"
	"github.com/ringlink/ringlink/internal/store"
	"github.com/ringlink/ringlink/internal/util"
)

var log = logging.Logger("main")

var (
	dirFlag   = flag.String("dir", ".", "peer directory (config.json + data)")
	idFlag    = flag.String("id", "", "identity id (overrides config)")
	nameFlag  = flag.String("name", "", "display name (overrides config)")
	storeFlag = flag.String("store", "", "store mode: mem, sqlite or ws (overrides config)")
	hubURL    = flag.String("hub-url", "", "websocket hub url (overrides config)")
	fakeMedia = flag.Bool("fake-media", false, "use the in-memory loopback media transport")
	runHub    = flag.Bool("hub", false, "run a websocket signaling hub instead of a peer")
	hubAddr   = flag.String("hub-addr", ":8790", "hub listen address (with -hub)")
	logLevel  = flag.String("log-level", "info", "log level: debug, info, warn, error")
)

func main() {
	flag.Parse()
	if err := logging.SetLogLevel("*", *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "bad log level %q: %v\n", *logLevel, err)
		os.Exit(1)
	}

	if *runHub {
		runHubServer()
		return
	}
	if err := runPeer(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runHubServer() {
	hub := store.NewHub()
	go func() {
		if err := hub.ListenAndServe(*hubAddr); err != nil {
			log.Errorf("hub: %v", err)
			os.Exit(1)
		}
	}()
	fmt.Printf("signaling hub listening on %s\n", *hubAddr)
	waitForSignal()
	_ = hub.Close()
}

func runPeer() error {
	cfg, err := config.Load(*dirFlag)
	if err != nil {
		return err
	}
	if *idFlag != "" {
		cfg.Identity.ID = *idFlag
	}
	if cfg.Identity.ID == "" {
		cfg.Identity.ID = util.NewID()
	}
	if *nameFlag != "" {
		cfg.Identity.Name = *nameFlag
	}
	if cfg.Identity.Name == "" {
		cfg.Identity.Name = cfg.Identity.ID
	}
	if *storeFlag != "" {
		cfg.Store.Mode = *storeFlag
	}
	if *hubURL != "" {
		cfg.Store.Mode = "ws"
		cfg.Store.HubURL = *hubURL
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	db, err := storage.Open(filepath.Join(*dirFlag, cfg.Store.DBPath))
	if err != nil {
		return err
	}
	defer db.Close()

	st, err := openStore(&cfg, db)
	if err != nil {
		return err
	}
	defer st.Close()

	clk := clock.New()
	purger := store.NewPurger(st, cfg.Store.Retention(), clk)
	purger.Start()
	defer purger.Close()

	var tp media.Transport
	if *fakeMedia || cfg.Media.Fake {
		tp = media.NewLoopTransport()
	} else {
		tp = media.NewWebRTCTransport(cfg.Media.ICEServers, cfg.Media.VideoDisabled)
	}

	history, err := chat.NewHistory(db, cfg.Call.HistoryBuffer)
	if err != nil {
		return err
	}

	mgr := call.NewManager(&cfg, st, tp, clk, history, audio.NullRouter{})
	defer mgr.Close()

	go printEvents(mgr, history)

	fmt.Printf("peer %s (%s) ready, store=%s. Type 'help'.\n",
		cfg.Identity.Name, cfg.Identity.ID, cfg.Store.Mode)
	repl(mgr, history, cfg.Identity.ID)
	return nil
}

func openStore(cfg *config.Config, db *storage.DB) (store.Store, error) {
	switch cfg.Store.Mode {
	case "mem":
		return store.NewMemStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(db, cfg.Store.PollInterval(), nil)
	case "ws":
		return store.DialHub(cfg.Store.HubURL)
	default:
		return nil, fmt.Errorf("unknown store mode %q", cfg.Store.Mode)
	}
}

// printEvents mirrors engine events to the terminal.
func printEvents(mgr *call.Manager, history *chat.History) {
	states, cancelStates := mgr.SubscribeState()
	incoming, cancelInc := mgr.SubscribeIncoming()
	summaries, cancelSum := history.Subscribe()
	defer cancelStates()
	defer cancelInc()
	defer cancelSum()

	for {
		select {
		case st, ok := <-states:
			if !ok {
				return
			}
			if st.InCall {
				fmt.Printf("\r[call] %s %s %ds quality=%s\n", st.Status, st.Kind, st.DurationSeconds, st.Quality)
			}
		case inc, ok := <-incoming:
			if !ok {
				return
			}
			if inc.Call != nil {
				fmt.Printf("\rincoming %s call from %s — 'answer' or 'decline'\n", inc.Call.Type, inc.Call.CallerName)
			} else if inc.Group != nil {
				fmt.Printf("\rincoming group call %q — 'answer' or 'decline'\n", inc.Group.GroupName)
			}
		case s, ok := <-summaries:
			if !ok {
				return
			}
			fmt.Printf("\r[history] %s\n", s.Text())
		}
	}
}

func repl(mgr *call.Manager, history *chat.History, selfID string) {
	ctx := context.Background()
	sc := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !sc.Scan() {
			return
		}
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}
		cmd, args := fields[0], fields[1:]

		var err error
		switch cmd {
		case "help":
			printHelp()
		case "call":
			if len(args) < 1 {
				err = fmt.Errorf("usage: call <peer-id> [video]")
				break
			}
			kind := call.KindVoice
			if len(args) > 1 && args[1] == "video" {
				kind = call.KindVideo
			}
			err = mgr.StartCall(ctx, call.Party{ID: args[0], Name: args[0]}, kind)
		case "answer":
			err = mgr.AnswerCall(ctx)
		case "decline":
			err = mgr.DeclineCall(ctx)
		case "end":
			err = mgr.EndCall(ctx)
		case "mute":
			fmt.Println("muted:", mgr.ToggleMute())
		case "video":
			fmt.Println("video:", mgr.ToggleVideo())
		case "speaker":
			fmt.Println("speaker:", mgr.ToggleSpeaker())
		case "camera":
			fmt.Println("camera:", mgr.ToggleCamera())
		case "group":
			err = groupCmd(ctx, mgr, selfID, args)
		case "state":
			fmt.Printf("%+v\n", mgr.State())
		case "history":
			for _, s := range history.Recent(10) {
				fmt.Println(" ", s.At.Format("15:04"), s.Text())
			}
		case "quit", "exit":
			return
		default:
			err = fmt.Errorf("unknown command %q, try 'help'", cmd)
		}
		if err != nil {
			fmt.Println("error:", err)
		}
	}
}

func groupCmd(ctx context.Context, mgr *call.Manager, selfID string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: group start|join|leave|end|invite|remove ...")
	}
	switch args[0] {
	case "start":
		if len(args) < 3 {
			return fmt.Errorf("usage: group start <name> <peer-id>... [video]")
		}
		kind := group.KindVoice
		invited := args[2:]
		if invited[len(invited)-1] == "video" {
			kind = group.KindVideo
			invited = invited[:len(invited)-1]
		}
		return mgr.StartGroupCall(ctx, util.NewID(), args[1], kind, invited, []string{selfID}, 0)
	case "join":
		if len(args) < 2 {
			return fmt.Errorf("usage: group join <call-id>")
		}
		return mgr.JoinGroupCall(ctx, args[1])
	case "leave":
		return mgr.EndCall(ctx)
	case "end":
		return mgr.EndGroupCall(ctx)
	case "invite":
		if len(args) < 2 {
			return fmt.Errorf("usage: group invite <peer-id>")
		}
		return mgr.InviteToGroupCall(ctx, args[1])
	case "remove":
		if len(args) < 2 {
			return fmt.Errorf("usage: group remove <peer-id>")
		}
		return mgr.RemoveFromGroupCall(ctx, args[1])
	default:
		return fmt.Errorf("unknown group command %q", args[0])
	}
}

func printHelp() {
	fmt.Print(`commands:
  call <peer-id> [video]      start a 1:1 call
  answer | decline | end      act on the current/incoming call
  mute | video | speaker | camera
  group start <name> <peer>... [video]
  group join <call-id> | leave | end
  group invite <peer> | remove <peer>
  state                       print the engine state snapshot
  history                     print recent call summaries
  quit
`)
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch
	fmt.Println()
}
