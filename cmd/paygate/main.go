package main

import (
	"context"
	"flag"
	"os"
	"strconv"

	"github.com/golang/glog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"paygate/internal/checkout"
	"paygate/internal/event"
	"paygate/internal/healthcheck"
	"paygate/internal/host"
	"paygate/internal/lock"
	"paygate/internal/order"
	"paygate/internal/pending"
	"paygate/internal/provider"
	"paygate/internal/reconcile"
	"paygate/internal/refund"
	"paygate/internal/settings"
	"paygate/internal/store"
	"paygate/pkg/api"
)

func main() {
	cmd := newPaygateCommand()
	flag.Parse()
	defer glog.Flush()

	if err := cmd.Execute(); err != nil {
		glog.Fatalln(err)
	}
}

func newPaygateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paygate",
		Short: "Payment gateway reconciliation service",
		Long:  `paygate reconciles provider payment state with host orders and serves the checkout, callback and refund REST API`,
		Run: func(cmd *cobra.Command, args []string) {
			_ = run()
		},
	}

	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	return cmd
}

func run() error {
	db, err := store.Connect()
	if err != nil {
		glog.Errorf("Failed to connect postgres: %s", err.Error())
		return err
	}

	locks, err := lock.NewManager(db)
	if err != nil {
		glog.Errorf("Failed to init lock manager: %s", err.Error())
		return err
	}

	pendingStore, err := pending.NewStore(db)
	if err != nil {
		glog.Errorf("Failed to init pending store: %s", err.Error())
		return err
	}

	refundStore, err := refund.NewStore(db)
	if err != nil {
		glog.Errorf("Failed to init refund store: %s", err.Error())
		return err
	}

	redisHost := os.Getenv("REDIS_HOST")
	if redisHost == "" {
		redisHost = "localhost"
	}
	redisPort := os.Getenv("REDIS_PORT")
	if redisPort == "" {
		redisPort = "6379"
	}
	redisDB := 0
	if n, convErr := strconv.Atoi(os.Getenv("REDIS_DB_NUMBER")); convErr == nil {
		redisDB = n
	}
	redisClient, err := settings.NewRedisClient(redisHost, redisPort, os.Getenv("REDIS_PASSWORD"), redisDB)
	if err != nil {
		glog.Errorf("Failed to connect redis: %s", err.Error())
		return err
	}
	settingsMgr := settings.NewManager(redisClient)

	var events reconcile.EventSender
	if sender, senderErr := event.NewDataSender(); senderErr != nil {
		glog.Warningf("Event sender unavailable, reconciliation events disabled: %s", senderErr.Error())
	} else {
		events = sender
		defer sender.Close()
	}

	hostClient := host.NewClient("")
	providerClient := provider.NewClient(settingsMgr.ProviderConfig())
	finalizer := order.NewFinalizer(hostClient, hostClient, pendingStore)

	reconciler := reconcile.NewReconciler(pendingStore, hostClient, providerClient, finalizer, locks, events)
	refundSvc := refund.NewService(refundStore, providerClient)

	publicBaseURL := os.Getenv("PUBLIC_BASE_URL")
	if publicBaseURL == "" {
		publicBaseURL = "http://localhost:8080"
	}
	checkoutSvc := checkout.NewService(pendingStore, hostClient, providerClient, settingsMgr, publicBaseURL)

	probe := healthcheck.NewProbe(settingsMgr, providerClient, publicBaseURL)
	probe.Start(context.Background())

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := api.NewServer(port, api.Config{
		CartURL:         os.Getenv("HOST_CART_URL"),
		ConfirmationURL: os.Getenv("HOST_CONFIRMATION_URL"),
	}, checkoutSvc, reconciler, pendingStore, refundSvc, probe)

	glog.Infof("Start listening on :%s", port)
	return server.Start()
}
