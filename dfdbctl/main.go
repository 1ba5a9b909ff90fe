package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/docopt/docopt-go"

	dfdb "github.com/kipz/dfdb-client-go"
)

const DfdbCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `DFDB control.

The endpoint and token can be given as flags or read from a yaml config file
with keys: endpoint, token, timeout_ms, max_retries.

Usage:
    dfdbctl transact [--endpoint=<endpoint>] [--token=<token>] [--config=<config>]
        <tx_json>
    dfdbctl query [--endpoint=<endpoint>] [--token=<token>] [--config=<config>]
        <query_json>
    dfdbctl subscriptions list [--endpoint=<endpoint>] [--token=<token>] [--config=<config>]
    dfdbctl subscriptions create [--endpoint=<endpoint>] [--token=<token>] [--config=<config>]
        [--name=<name>] <query_json>
    dfdbctl subscriptions delete [--endpoint=<endpoint>] [--token=<token>] [--config=<config>]
        <subscription_id>
    dfdbctl watch [--endpoint=<endpoint>] [--token=<token>] [--config=<config>]
        <subscription_id>...

Options:
    -h --help                Show this screen.
    --version                Show version.
    --endpoint=<endpoint>    Base http(s) url of the dfdb server.
    --token=<token>          Bearer token.
    --config=<config>        Path to a yaml config file.
    --name=<name>            Subscription name.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], DfdbCtlVersion)
	if err != nil {
		panic(err)
	}

	if transact_, _ := opts.Bool("transact"); transact_ {
		transact(opts)
	} else if query_, _ := opts.Bool("query"); query_ {
		query(opts)
	} else if subscriptions_, _ := opts.Bool("subscriptions"); subscriptions_ {
		if list_, _ := opts.Bool("list"); list_ {
			listSubscriptions(opts)
		} else if create_, _ := opts.Bool("create"); create_ {
			createSubscription(opts)
		} else if delete_, _ := opts.Bool("delete"); delete_ {
			deleteSubscription(opts)
		}
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	}
}

func connection(opts docopt.Opts) *dfdb.Connection {
	if configPath, err := opts.String("--config"); err == nil && configPath != "" {
		config, err := dfdb.LoadConfig(configPath)
		if err != nil {
			Err.Fatalf("%s", err)
		}
		conn, err := config.Connection()
		if err != nil {
			Err.Fatalf("%s", err)
		}
		warnExpiredToken(config.Token)
		return conn
	}

	endpoint, _ := opts.String("--endpoint")
	token, _ := opts.String("--token")
	settings := dfdb.DefaultConnectionSettings()
	settings.Token = token
	conn, err := dfdb.NewConnectionWithSettings(endpoint, settings)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	warnExpiredToken(token)
	return conn
}

func warnExpiredToken(token string) {
	if token == "" {
		return
	}
	if claims, err := dfdb.ParseTokenUnverified(token); err == nil && claims.Expired() {
		Err.Printf("token for %s expired at %s", claims.Subject, claims.ExpiresAt)
	}
}

func transact(opts docopt.Opts) {
	txJson, _ := opts.String("<tx_json>")
	txData := []map[string]any{}
	if err := json.Unmarshal([]byte(txJson), &txData); err != nil {
		Err.Fatalf("bad tx json: %s", err)
	}

	api := dfdb.NewApi(connection(opts))
	defer api.Close()

	result, err := api.TransactSync(&dfdb.TransactArgs{
		TxData: txData,
	})
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("tx %s @ %d", result.TxId, result.Timestamp)
}

func query(opts docopt.Opts) {
	queryJson, _ := opts.String("<query_json>")
	var q any
	if err := json.Unmarshal([]byte(queryJson), &q); err != nil {
		Err.Fatalf("bad query json: %s", err)
	}

	api := dfdb.NewApi(connection(opts))
	defer api.Close()

	result, err := api.QuerySync(&dfdb.QueryArgs{
		Query: q,
	})
	if err != nil {
		Err.Fatalf("%s", err)
	}
	for _, row := range result.Rows {
		rowJson, _ := json.Marshal(row)
		Out.Printf("%s", rowJson)
	}
}

func listSubscriptions(opts docopt.Opts) {
	api := dfdb.NewApi(connection(opts))
	defer api.Close()

	result, err := api.ListSubscriptionsSync()
	if err != nil {
		Err.Fatalf("%s", err)
	}
	for _, subscription := range result.Subscriptions {
		Out.Printf("%s %s active=%t", subscription.Id, subscription.Name, subscription.Active)
	}
}

func createSubscription(opts docopt.Opts) {
	queryJson, _ := opts.String("<query_json>")
	var q any
	if err := json.Unmarshal([]byte(queryJson), &q); err != nil {
		Err.Fatalf("bad query json: %s", err)
	}
	name, _ := opts.String("--name")

	api := dfdb.NewApi(connection(opts))
	defer api.Close()

	subscription, err := api.CreateSubscriptionSync(&dfdb.CreateSubscriptionArgs{
		Name:  name,
		Query: q,
	})
	if err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("%s", subscription.Id)
}

func deleteSubscription(opts docopt.Opts) {
	subscriptionId, _ := opts.String("<subscription_id>")

	api := dfdb.NewApi(connection(opts))
	defer api.Close()

	if _, err := api.DeleteSubscriptionSync(subscriptionId); err != nil {
		Err.Fatalf("%s", err)
	}
	Out.Printf("deleted %s", subscriptionId)
}

func watch(opts docopt.Opts) {
	subscriptionIds := []string{}
	if ids, ok := opts["<subscription_id>"].([]string); ok {
		subscriptionIds = ids
	}
	if len(subscriptionIds) == 0 {
		Err.Fatalf("watch requires at least one subscription id")
	}

	conn := connection(opts)

	callbacks := &dfdb.StreamCallbacks{
		OnError: func(errorMessage *dfdb.ErrorMessage) {
			Err.Printf("error %s: %s", errorMessage.Code, errorMessage.Message)
		},
		OnAck: func(ack *dfdb.AckMessage) {
			Out.Printf("%s %v", ack.Action, ack.SubscriptionIds)
		},
		OnClose: func(status int) {
			Out.Printf("closed %d", status)
		},
	}

	stream, err := dfdb.Connect(context.Background(), conn, callbacks)
	if err != nil {
		Err.Fatalf("%s", err)
	}
	defer stream.Close()

	err = stream.Subscribe(func(delta *dfdb.DeltaMessage) {
		for _, row := range delta.Additions {
			rowJson, _ := json.Marshal(row)
			Out.Printf("%s + %s", delta.SubscriptionId, rowJson)
		}
		for _, row := range delta.Retractions {
			rowJson, _ := json.Marshal(row)
			Out.Printf("%s - %s", delta.SubscriptionId, rowJson)
		}
	}, subscriptionIds...)
	if err != nil {
		Err.Fatalf("%s", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
