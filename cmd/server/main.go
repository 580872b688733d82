package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"whatsapp-gateway/internal/factory"
	"whatsapp-gateway/internal/handler"
	"whatsapp-gateway/internal/util"
)

func main() {
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()

	// Bring the WhatsApp session up before serving. A failed first connect
	// is not fatal: the API reports the state and pairing can fix it.
	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := f.Session().Start(startCtx); err != nil {
		util.Warn("Initial WhatsApp connect failed, pairing may be required", util.ErrorField(err))
	}
	cancel()

	router := handler.NewRouter(f.GatewayHandler(), util.Get())

	if cfg.Server.EnableTLS && cfg.Server.AutoCert && cfg.IsProduction() {
		serveWithAutoCert(f, router)
		return
	}

	addr := cfg.GetServerAddress()
	if cfg.Server.EnableTLS {
		addr = fmt.Sprintf(":%d", cfg.Server.TLSPort)
	}

	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		var err error
		if cfg.Server.EnableTLS {
			server.TLSConfig = f.TLSManager().Config()
			util.Info("Listening for HTTPS",
				util.String("address", addr),
				util.String("environment", cfg.Environment))
			if cfg.Server.CertFile != "" && cfg.Server.KeyFile != "" {
				err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
			} else {
				// Certificate resolution falls through to the TLS manager.
				err = server.ListenAndServeTLS("", "")
			}
		} else {
			util.Warn("Listening for plain HTTP, TLS is disabled",
				util.String("address", addr),
				util.String("environment", cfg.Environment))
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			util.Fatal("Server failed", util.ErrorField(err))
		}
	}()

	waitForShutdown(f, server)
}

// serveWithAutoCert runs the production pair: port 80 for the ACME
// challenge plus redirect, port 443 for the API.
func serveWithAutoCert(f *factory.Factory, router http.Handler) {
	acme := f.TLSManager().AutocertManager()
	if acme == nil {
		util.Fatal("AutoCert manager is not available in production")
	}

	challengeServer := &http.Server{
		Addr:    ":80",
		Handler: acme.HTTPHandler(nil),
	}
	apiServer := &http.Server{
		Addr:      ":443",
		Handler:   router,
		TLSConfig: f.TLSManager().Config(),
	}

	go func() {
		if err := challengeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Error("ACME challenge server failed", util.ErrorField(err))
		}
	}()
	go func() {
		util.Info("Listening for HTTPS with AutoCert",
			util.String("domain", f.Config().Server.Domain))
		if err := apiServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			util.Error("HTTPS server failed", util.ErrorField(err))
		}
	}()

	waitForShutdown(f, apiServer, challengeServer)
}

func waitForShutdown(f *factory.Factory, servers ...*http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
		}
	}
	f.Close()
}
