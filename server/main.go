/******************************************************************************
 *
 *  Description :
 *
 *  Setup & initialization of the cloud server.
 *
 *****************************************************************************/

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"runtime"
	"strings"
	"time"

	_ "github.com/netsblox/cloud/server/db/mongodb"
	"github.com/netsblox/cloud/server/logs"
	"github.com/netsblox/cloud/server/mail"
	_ "github.com/netsblox/cloud/server/media/s3"
	"github.com/netsblox/cloud/server/store"
	"golang.org/x/time/rate"
)

// currentVersion is the API version reported to clients.
const currentVersion = "1.0"

// Build timestamp set by the compiler.
var buildstamp = "undef"

var globals struct {
	clientStore *ClientStore
	topology    *Topology
	resolver    *Resolver
	router      *Router
	mailer      mail.Mailer

	projectCache *lruCache

	sessionSecret []byte
	sessionMaxAge time.Duration
	publicUrl     string

	inactivityTimeout time.Duration
	roleFetchTimeout  time.Duration
	outboundQueue     int

	signupThrottle *throttle
	loginThrottle  *throttle
	resetThrottle  *throttle

	// Pluggable content and origin predicates.
	profanity func(string) bool
	torDenier func(string) bool

	// First sightings of unreferenced blob keys, owned by the reconciler.
	orphanSightings map[string]time.Time

	statsUpdate chan *varUpdate
}

func main() {
	logs.Init()
	logs.Info.Printf("server v%s:%s pid=%d started with processes: %d",
		currentVersion, buildstamp, os.Getpid(), runtime.GOMAXPROCS(runtime.NumCPU()))

	var configfile = flag.String("config", "./netsblox.toml", "Path to config file.")
	var listenOn = flag.String("listen", "", "Override address and port to listen on.")
	flag.Parse()

	config, err := loadConfig(*configfile)
	if err != nil {
		logs.Err.Fatal("failed to load config: ", err)
	}
	if *listenOn != "" {
		config.Listen = *listenOn
	}
	if config.Session.Secret == "" {
		logs.Err.Fatal("session.secret is required")
	}

	globals.sessionSecret = []byte(config.Session.Secret)
	globals.sessionMaxAge = time.Duration(config.Session.MaxAge) * time.Second
	globals.publicUrl = config.PublicUrl
	globals.inactivityTimeout = config.inactivityTimeout()
	globals.roleFetchTimeout = config.roleFetchTimeout()
	globals.outboundQueue = config.Network.OutboundQueue

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := store.Open(ctx, config.storeConfig(), store.TTLs{
		OccupantInvite:  15 * time.Minute,
		PasswordToken:   time.Hour,
		RecordedMessage: 7 * 24 * time.Hour,
	}); err != nil {
		logs.Err.Fatal("failed to connect to DB: ", err)
	}
	defer func() {
		store.Close(context.Background())
		logs.Info.Println("closed database connection(s)")
	}()

	if err := store.UseMediaHandler("s3", config.blobConfig()); err != nil {
		logs.Err.Fatal("failed to init blob store: ", err)
	}

	if config.Smtp.Host != "" {
		mailer, err := mail.NewSMTPMailer(config.Smtp.Host, config.Smtp.Port,
			config.Smtp.User, config.Smtp.Pass, config.Smtp.From)
		if err != nil {
			logs.Err.Fatal("failed to init mailer: ", err)
		}
		globals.mailer = mailer
	} else {
		logs.Warn.Println("smtp not configured; password reset email disabled")
		globals.mailer = mail.NullMailer{}
	}

	globals.clientStore = NewClientStore()
	globals.topology = NewTopology()
	globals.resolver = NewResolver(config.Network.CacheSize)
	globals.router = NewRouter()
	globals.projectCache = newLRUCache(config.Network.CacheSize)
	globals.orphanSightings = make(map[string]time.Time)

	globals.signupThrottle = newThrottle(rate.Every(10*time.Second), 5)
	globals.loginThrottle = newThrottle(rate.Every(time.Second), 10)
	globals.resetThrottle = newThrottle(rate.Every(10*time.Minute), 2)

	globals.profanity = noProfanityFilter
	globals.torDenier = nil
	if config.Security.TorBlock {
		globals.torDenier = newTorDenier(config.Security.AllowTorExits)
	}

	serveMetrics(config.Metrics.Bind)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	workers := startWorkers(workerCtx)

	mux := http.NewServeMux()
	statsInit(mux, config.Expvar)
	mux.Handle("/", withCORS(newMux(), config.Cors.Origins))
	if err := listenAndServe(config.Listen, mux, &config.Tls, signalHandler()); err != nil {
		logs.Err.Fatal(err)
	}

	stopWorkers()
	workers.Wait()
	logs.Info.Println("all done, good bye")
}

// noProfanityFilter is the default content predicate; deployments plug in a
// real one.
func noProfanityFilter(string) bool {
	return false
}

// newTorDenier blocks requests from known Tor exit nodes, minus the
// configured allow list. Exit node enumeration is a pluggable concern; the
// built-in denier only honors the allow list over a static set.
func newTorDenier(allow []string) func(string) bool {
	allowed := make(map[string]bool, len(allow))
	for _, ip := range allow {
		allowed[strings.TrimSpace(ip)] = true
	}
	return func(ip string) bool {
		if allowed[ip] {
			return false
		}
		return knownTorExits[ip]
	}
}

// knownTorExits is populated by deployments that sync an exit list.
var knownTorExits = map[string]bool{}
