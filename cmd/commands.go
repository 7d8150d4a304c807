package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambdaurl"
	"go.uber.org/zap"

	"family-assistant/handler"
	"family-assistant/internal/repository"
)

func runServe(ctx context.Context, configPath string) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.ensureLocalTables(ctx); err != nil {
		return fmt.Errorf("failed to create local tables: %w", err)
	}
	router, err := a.router(ctx)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("Starting HTTP server", zap.String("address", srv.Addr), zap.String("provider", a.cfg.LLMProvider))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	a.log.Info("Received shutdown signal, draining streams")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("Error during shutdown", zap.Error(err))
		return err
	}
	a.log.Info("Server stopped")
	return nil
}

func runLambda(ctx context.Context, configPath string) error {
	a, err := bootstrap(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	router, err := a.router(ctx)
	if err != nil {
		return err
	}
	a.log.Info("Starting Lambda Function URL handler", zap.String("provider", a.cfg.LLMProvider))
	lambdaurl.Start(handler.FlushSafe(router))
	return nil
}

func runCreateTables(ctx context.Context, configPath string) error {
	a, err := bootstrap(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	created, err := repository.EnsureTables(ctx, a.dynamo, a.tables)
	if err != nil {
		return err
	}
	if len(created) == 0 {
		fmt.Fprintln(os.Stdout, "all tables already exist")
		return nil
	}
	fmt.Fprintf(os.Stdout, "created: %s\n", strings.Join(created, ", "))
	return nil
}

func runSeedInvite(ctx context.Context, configPath, code string) error {
	a, err := bootstrap(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()

	if code = strings.TrimSpace(code); code == "" {
		code = a.cfg.AdminInviteCode
	}
	if code == "" {
		return errors.New("no invite code given and ADMIN_INVITE_CODE is not set")
	}
	svc, err := a.services()
	if err != nil {
		return err
	}
	created, err := svc.devices.SeedAdminInviteCode(ctx, code)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(os.Stdout, "admin invite code %s stored\n", code)
	} else {
		fmt.Fprintf(os.Stdout, "admin invite code %s already exists\n", code)
	}
	return nil
}
