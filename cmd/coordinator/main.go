package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/sirupsen/logrus"

	"github.com/plomorg/plomd/internal/admin"
	"github.com/plomorg/plomd/internal/authority"
	"github.com/plomorg/plomd/internal/catalog"
	"github.com/plomorg/plomd/internal/catalogstore"
	"github.com/plomorg/plomd/internal/config"
	"github.com/plomorg/plomd/internal/dispatch"
	"github.com/plomorg/plomd/internal/idqueue"
	"github.com/plomorg/plomd/internal/markqueue"
	"github.com/plomorg/plomd/internal/store"
)

var log = logrus.WithField("component", "main")

const (
	shortName  = "plomd"
	apiVersion = "1"
	version    = "0.1.0"
)

type options struct {
	Config string `short:"c" long:"config" description:"path to the server configuration file" required:"true"`
}

type cmdServe struct {
	options
}

type cmdCreateUser struct {
	options
	User     string `long:"user" required:"true"`
	Password string `long:"password" required:"true"`
	Admin    bool   `long:"admin"`
}

type cmdResetTask struct {
	options
	Code string `long:"code" required:"true"`
}

type cmdReloadUsers struct {
	options
}

func (c *cmdServe) Execute(_ []string) error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	auth, cat, idq, markq, artifacts, adm, err := buildComponents(cfg)
	if err != nil {
		return err
	}

	srv := dispatch.New(
		cfg.Addr(), cfg.WorkerPoolSize,
		auth, idq, markq, artifacts, adm,
		cat.Audit(),
		dispatch.Info{ShortName: shortName, APIVersion: cfg.APIVersion, Version: version},
		cfg.BcryptCost, cfg.UserListPath,
	)

	watcher, err := config.WatchReloadables(cfg,
		func() {
			if err := adm.ReloadUserList(cfg.UserListPath, cfg.BcryptCost); err != nil {
				log.WithError(err).Error("automatic user-list reload failed")
			}
		},
		func() {
			log.Info("TLS certificate pair changed on disk; restart to pick it up")
		},
	)
	if err != nil {
		log.WithError(err).Warn("file watcher unavailable; reload_user_list must be triggered manually")
	} else {
		defer watcher.Close()
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-signalCh
		log.WithField("signal", sig).Info("caught signal, shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Error("graceful shutdown failed")
		}
	}()

	if err := srv.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath); err != nil {
		return fmt.Errorf("serving: %w", err)
	}
	log.Info("goodbye")
	return nil
}

func (c *cmdCreateUser) Execute(_ []string) error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	_, _, _, _, _, adm, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	if err := adm.CreateOrUpdateUser(c.User, c.Password, c.Admin, cfg.BcryptCost); err != nil {
		return err
	}
	log.WithField("user", c.User).Info("user created or updated")
	return nil
}

func (c *cmdResetTask) Execute(_ []string) error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	_, _, _, _, _, adm, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	if err := adm.ResetTask("cli", c.Code); err != nil {
		return err
	}
	log.WithField("code", c.Code).Info("task reset")
	return nil
}

func (c *cmdReloadUsers) Execute(_ []string) error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	_, _, _, _, _, adm, err := buildComponents(cfg)
	if err != nil {
		return err
	}
	return adm.ReloadUserList(cfg.UserListPath, cfg.BcryptCost)
}

func buildComponents(cfg *config.Config) (*authority.Authority, *catalog.Catalog, *idqueue.Queue, *markqueue.Queue, *store.Store, *admin.Admin, error) {
	auth, err := authority.New(cfg.MasterToken)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	natsStore, err := catalogstore.Connect(cfg.CatalogNatsURL)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	cat, err := catalog.Open(natsStore)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	artifacts, err := store.New(cfg.ArtifactRoot)
	if err != nil {
		return nil, nil, nil, nil, nil, nil, err
	}

	adm := admin.New(auth, cat)
	if err := adm.ReloadUserList(cfg.UserListPath, cfg.BcryptCost); err != nil {
		log.WithError(err).Warn("initial user-list load failed; starting with no users")
	}

	return auth, cat, idqueue.New(cat), markqueue.New(cat), artifacts, adm, nil
}

func main() {
	var opts options
	parser := flags.NewParser(&opts, flags.Default)
	parser.Command.SubcommandsOptional = false

	if _, err := parser.AddCommand("serve", "Run the coordinator dispatcher", "Serve the coordinator until signaled to exit.", &cmdServe{}); err != nil {
		log.WithError(err).Fatal("registering serve command")
	}
	if _, err := parser.AddCommand("create-user", "Create or update a user", "Create or update a user's password and role.", &cmdCreateUser{}); err != nil {
		log.WithError(err).Fatal("registering create-user command")
	}
	if _, err := parser.AddCommand("reset-task", "Force a task back to Todo", "Administratively reset a Done task.", &cmdResetTask{}); err != nil {
		log.WithError(err).Fatal("registering reset-task command")
	}
	if _, err := parser.AddCommand("reload-users", "Reload the user list from disk", "Reconcile users against the on-disk user list file.", &cmdReloadUsers{}); err != nil {
		log.WithError(err).Fatal("registering reload-users command")
	}

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		log.WithError(err).Fatal("coordinator exited with error")
	}
}
