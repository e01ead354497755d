/******************************************************************************
 *
 *  Description :
 *
 *  Web server initialization and shutdown.
 *
 *****************************************************************************/

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/handlers"
	"github.com/netsblox/cloud/server/logs"
	"golang.org/x/crypto/acme/autocert"
)

type tlsConfig struct {
	// Flag enabling TLS.
	Enabled bool `toml:"enabled"`
	// Listen on port 80 and redirect plain HTTP to HTTPS.
	RedirectHTTP string `toml:"http_redirect"`
	// ACME autocert config, e.g. letsencrypt.org.
	Autocert *tlsAutocertConfig `toml:"autocert"`
	// If Autocert is not defined, provide file names of static certificate and key.
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

type tlsAutocertConfig struct {
	// Domains to support by autocert.
	Domains []string `toml:"domains"`
	// Name of the directory where auto-certificates are cached.
	CertCache string `toml:"cache"`
	// Contact email for letsencrypt.
	Email string `toml:"email"`
}

// newMux wires the REST and websocket surface.
func newMux() http.Handler {
	r := chi.NewRouter()

	r.Route("/users", func(r chi.Router) {
		r.Post("/create", handleUserCreate)
		r.Post("/login", handleUserLogin)
		r.Post("/logout", handleUserLogout)
		r.Get("/{name}", handleUserGet)
		r.Delete("/{name}", handleUserDelete)
		r.Post("/{name}/password", handleUserPassword)
		r.Post("/{name}/ban", handleUserBan)
		r.Post("/{name}/unban", handleUserUnban)
		r.Post("/{name}/link", handleUserLink)
		r.Delete("/{name}/link/{strategy}/{id}", handleUserUnlink)
	})

	r.Route("/groups", func(r chi.Router) {
		r.Post("/", handleGroupCreate)
		r.Get("/", handleGroupsList)
		r.Get("/{id}", handleGroupGet)
		r.Patch("/{id}", handleGroupPatch)
		r.Delete("/{id}", handleGroupDelete)
		r.Get("/{id}/members", handleGroupMembers)
	})

	r.Route("/projects", func(r chi.Router) {
		r.Post("/", handleProjectCreate)
		r.Get("/user/{owner}", handleProjectsByOwner)
		r.Get("/shared/{user}", handleProjectsShared)
		r.Route("/id/{projectId}", func(r chi.Router) {
			r.Get("/", handleProjectGet)
			r.Patch("/", handleProjectPatch)
			r.Delete("/", handleProjectDelete)
			r.Get("/latest", handleProjectLatest)
			r.Post("/collaborators/invite/{user}", handleCollaboratorInvite)
			r.Get("/collaborators", handleCollaboratorsList)
			r.Delete("/collaborators/{user}", handleCollaboratorRemove)
			r.Get("/{roleId}/latest", handleRoleLatest)
			r.Post("/{roleId}", handleRoleSave)
		})
	})

	r.Route("/collaboration-invites", func(r chi.Router) {
		r.Get("/user/{user}", handleCollaborationInvitesList)
		r.Post("/{id}/respond", handleCollaborationRespond)
	})

	r.Route("/friends", func(r chi.Router) {
		r.Get("/{user}", handleFriendsList)
		r.Get("/{user}/online", handleFriendsOnline)
		r.Get("/{user}/invites", handleFriendInvitesList)
		r.Post("/{user}/invite/{other}", handleFriendInvite)
		r.Post("/{user}/respond/{inviter}", handleFriendRespond)
		r.Post("/{user}/block/{other}", handleBlock)
		r.Delete("/{user}/{other}", handleUnfriend)
	})

	r.Route("/libraries", func(r chi.Router) {
		r.Get("/community", handleLibrariesCommunity)
		r.Post("/community/{owner}/{name}/approve", handleLibraryApprove)
		r.Get("/mod/pending", handleLibrariesPending)
		r.Get("/user/{user}", handleLibrariesByUser)
		r.Get("/user/{user}/{name}", handleLibraryGet)
		r.Post("/user/{user}/{name}", handleLibrarySave)
		r.Delete("/user/{user}/{name}", handleLibraryDelete)
		r.Post("/user/{user}/{name}/publish", handleLibraryPublish)
	})

	r.Route("/services", func(r chi.Router) {
		r.Get("/hosts/user/{user}", handleUserHostsGet)
		r.Post("/hosts/user/{user}", handleUserHostsSet)
		r.Get("/hosts/group/{id}", handleGroupHostsGet)
		r.Post("/hosts/group/{id}", handleGroupHostsSet)
		r.Post("/hosts/authorized", handleHostAuthorize)
		r.Get("/hosts/authorized", handleHostsAuthorizedList)
		r.Delete("/hosts/authorized/{id}", handleHostDeauthorize)
		r.Get("/settings/user/{user}/{host}", handleUserSettingsGet)
		r.Post("/settings/user/{user}/{host}", handleUserSettingsSet)
		r.Delete("/settings/user/{user}/{host}", handleUserSettingsDelete)
		r.Post("/settings/group/{id}/{host}", handleGroupSettingsSet)
	})

	r.Route("/network", func(r chi.Router) {
		r.Get("/", handleExternalClients)
		r.Get("/id/{projectId}", handleRoomState)
		r.Post("/id/{projectId}/occupants/invite", handleOccupantInvite)
		r.Post("/id/{projectId}/trace", handleTraceStart)
		r.Post("/id/{projectId}/trace/{traceId}/stop", handleTraceStop)
		r.Get("/id/{projectId}/trace/{traceId}", handleTraceGet)
		r.Delete("/id/{projectId}/trace/{traceId}", handleTraceDelete)
		r.Post("/clients/{clientId}/evict", handleEvict)
		r.Get("/clients/{clientId}/state", handleClientState)
		r.Post("/messages", handleSendMessage)
		r.Get("/{clientId}/connect", serveWebSocket)
	})

	r.Get("/configuration", handleConfiguration)

	return r
}

// withCORS wraps the mux with the configured allowed origins.
func withCORS(h http.Handler, origins []string) http.Handler {
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return handlers.CORS(
		handlers.AllowedOrigins(origins),
		handlers.AllowedMethods([]string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "X-Authorization"}),
		handlers.AllowCredentials(),
	)(h)
}

// listenAndServe runs the server until a signal or an error stops it.
func listenAndServe(addr string, handler http.Handler, tlsConf *tlsConfig, stop <-chan bool) error {
	shuttingDown := false
	httpdone := make(chan bool)

	server := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	if tlsConf != nil && tlsConf.Enabled {
		if server.Addr == "" {
			server.Addr = ":https"
		}

		server.TLSConfig = &tls.Config{}
		if tlsConf.Autocert != nil {
			certManager := autocert.Manager{
				Prompt:     autocert.AcceptTOS,
				HostPolicy: autocert.HostWhitelist(tlsConf.Autocert.Domains...),
				Cache:      autocert.DirCache(tlsConf.Autocert.CertCache),
				Email:      tlsConf.Autocert.Email,
			}
			server.TLSConfig.GetCertificate = certManager.GetCertificate
			if tlsConf.CertFile != "" || tlsConf.KeyFile != "" {
				logs.Warn.Println("http: using autocert, static cert and key files are ignored")
				tlsConf.CertFile = ""
				tlsConf.KeyFile = ""
			}
		} else if tlsConf.CertFile == "" || tlsConf.KeyFile == "" {
			return errors.New("http: missing certificate or key file names")
		}
	}

	go func() {
		var err error
		if tlsConf != nil && tlsConf.Enabled {
			if tlsConf.RedirectHTTP != "" {
				logs.Info.Printf("http: redirecting connections from [%s] to [%s]",
					tlsConf.RedirectHTTP, server.Addr)
				go http.ListenAndServe(tlsConf.RedirectHTTP, tlsRedirect(addr))
			}
			logs.Info.Printf("http: listening for HTTPS connections on [%s]", server.Addr)
			err = server.ListenAndServeTLS(tlsConf.CertFile, tlsConf.KeyFile)
		} else {
			logs.Info.Printf("http: listening for HTTP connections on [%s]", server.Addr)
			err = server.ListenAndServe()
		}
		if err != nil {
			if shuttingDown {
				logs.Info.Println("http: stopped")
			} else {
				logs.Err.Println("http: failed", err)
			}
		}
		httpdone <- true
	}()

loop:
	for {
		select {
		case <-stop:
			// Stop accepting new connections, then drain.
			shuttingDown = true
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := server.Shutdown(ctx); err != nil {
				cancel()
				return err
			}
			cancel()

			<-httpdone

			// Terminate all client connections.
			globals.clientStore.Shutdown()
			statsShutdown()
			break loop

		case <-httpdone:
			break loop
		}
	}
	return nil
}

// signalHandler returns a channel that fires on SIGINT/SIGTERM/SIGHUP.
func signalHandler() <-chan bool {
	stop := make(chan bool)

	signchan := make(chan os.Signal, 1)
	signal.Notify(signchan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		// Wait for a signal. Don't care which signal it is.
		sig := <-signchan
		logs.Info.Printf("signal received: '%s', shutting down", sig)
		stop <- true
	}()

	return stop
}

// tlsRedirect redirects HTTP requests to HTTPS.
func tlsRedirect(toPort string) http.HandlerFunc {
	if toPort == ":443" || toPort == ":https" {
		toPort = ""
	}
	return func(wrt http.ResponseWriter, req *http.Request) {
		target := "https://" + strings.Split(req.Host, ":")[0] + toPort + req.URL.Path
		if req.URL.RawQuery != "" {
			target += "?" + req.URL.RawQuery
		}
		http.Redirect(wrt, req, target, http.StatusTemporaryRedirect)
	}
}
