// Command portfolioctl drives the control service of a running portfolio edge.
package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"google.golang.org/grpc/credentials"

	"offline_portfolio/internal/control"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:9090", "control service address")
	tokenEnv := flag.String("token-env", "ADMIN_TOKEN", "environment variable holding the admin token")
	caFile := flag.String("ca", "", "CA bundle for a TLS control listener")
	certFile := flag.String("cert", "", "client certificate")
	keyFile := flag.String("key", "", "client key")
	timeout := flag.Duration("timeout", 2*time.Minute, "call timeout")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] status|caches|history|deploy <version>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	opts := control.ClientOptions{Token: os.Getenv(*tokenEnv)}
	if *caFile != "" {
		creds, err := transportCredentials(*caFile, *certFile, *keyFile)
		if err != nil {
			log.Fatalf("tls: %v", err)
		}
		opts.TransportCredentials = creds
	}
	client, err := control.NewClient(*addr, opts)
	if err != nil {
		log.Fatalf("dial: %v", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	out, err := run(ctx, client, flag.Args())
	if err != nil {
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(out)
}

func run(ctx context.Context, client *control.Client, args []string) (interface{}, error) {
	switch args[0] {
	case "status":
		return client.Status(ctx)
	case "caches":
		return client.Caches(ctx)
	case "history":
		return client.History(ctx)
	case "deploy":
		if len(args) != 2 {
			return nil, errors.New("deploy takes exactly one version")
		}
		return client.Deploy(ctx, args[1])
	default:
		return nil, fmt.Errorf("unknown command %q", args[0])
	}
}

func transportCredentials(caFile, certFile, keyFile string) (credentials.TransportCredentials, error) {
	caData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, errors.New("failed to parse CA bundle")
	}
	cfg := &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return credentials.NewTLS(cfg), nil
}
