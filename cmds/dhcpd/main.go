// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package main

import (
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/dza1/dhcpd/config"
	"github.com/dza1/dhcpd/leasestore"
	"github.com/dza1/dhcpd/logger"
	"github.com/dza1/dhcpd/plugins/device"
	rangeplugin "github.com/dza1/dhcpd/plugins/range"
	"github.com/dza1/dhcpd/server"
	flag "github.com/spf13/pflag"
)

var (
	flagConfig       = flag.StringP("conf", "c", "", "Use this configuration file instead of the defaults")
	flagConsulUpload = flag.Bool("consul-upload", false, "Store the config file under the consul key and exit")
)

// Flags that only feed config keys, see flagBindings.
func init() {
	flag.StringP("logfile", "l", "", "Name of the log file to append to. Default: stdout/stderr only")
	flag.BoolP("nologstdout", "N", false, "Disable logging to stdout/stderr")
	flag.StringP("loglevel", "L", "info", "Log level. One of trace, debug, info, warning, error, fatal, panic")
	flag.StringP("interface", "i", "", "Only serve requests arriving on this interface")
	flag.String("consul-addr", "", "Address of the consul agent to read the remote config from")
	flag.String("consul-key", "", "Consul KV key of the remote config")
}

var flagBindings = map[string]string{
	"logging.level":    "loglevel",
	"logging.filename": "logfile",
	"logging.nostdout": "nologstdout",
	"server.interface": "interface",
	"consul.address":   "consul-addr",
	"consul.key":       "consul-key",
}

func main() {
	flag.Parse()
	log := logger.GetLogger("main")

	v := config.New()
	if err := config.BindFlags(v, flag.CommandLine, flagBindings); err != nil {
		log.Fatalf("%v", err)
	}
	if *flagConfig != "" {
		if err := config.ReadFile(v, *flagConfig); err != nil {
			log.Fatalf("%v", err)
		}
	}
	if addr, key := v.GetString("consul.address"), v.GetString("consul.key"); addr != "" && key != "" {
		remote, err := config.NewRemote(addr, key, v.GetString("consul.format"))
		if err != nil {
			log.Fatalf("%v", err)
		}
		if *flagConsulUpload {
			if *flagConfig == "" {
				log.Fatalf("--consul-upload needs a config file")
			}
			if err := remote.Write(*flagConfig); err != nil {
				log.Fatalf("%v", err)
			}
			log.Infof("Uploaded %s to consul key %s", *flagConfig, key)
			return
		}
		if err := remote.Merge(v); err != nil {
			log.Fatalf("%v", err)
		}
	}
	conf, err := config.Load(v)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if conf.Logging.Filename != "" {
		w := logger.WithFile(log, logger.FileConfig{
			Filename:   conf.Logging.Filename,
			MaxSize:    conf.Logging.MaxSize,
			MaxBackups: conf.Logging.MaxBackups,
			MaxAge:     conf.Logging.MaxAge,
			Compress:   conf.Logging.Compress,
		})
		defer w.Close()
	}
	if conf.Logging.NoStdOutErr {
		logger.WithNoStdOutErr(log)
	}
	if err := logger.SetLevel(conf.Logging.Level); err != nil {
		log.Fatalf("%v", err)
	}
	if *flagConfig != "" && !flag.CommandLine.Changed("loglevel") {
		watcher, err := config.WatchLevel(*flagConfig, logger.SetLevel)
		if err != nil {
			log.Warningf("Log level will not follow %s: %v", *flagConfig, err)
		} else {
			defer watcher.Close()
		}
	}

	d := conf.DHCP
	store, err := leasestore.New(d.PoolStart, d.PoolEnd, d.Static, leasestore.WithReclaim(d.Reclaim))
	if err != nil {
		log.Fatalf("Failed to create the lease table: %v", err)
	}
	log.Infof("Pool %s-%s, %d static leases, reclaim %v", d.PoolStart, d.PoolEnd, len(d.Static), d.Reclaim)

	var (
		observers []rangeplugin.LeaseObserver
		journal   device.IDeviceService
	)
	if conf.SQLite.Filename != "" {
		db, err := device.OpenSqlite3(conf.SQLite.Filename)
		if err != nil {
			log.Fatalf("%v", err)
		}
		service, err := device.NewSqlite3Service(db, d.LeaseTime)
		if err != nil {
			log.Fatalf("%v", err)
		}
		observers = append(observers, service)
		journal = service
	}
	if conf.NATS.URL != "" {
		nc, err := device.ConnectNATS(conf.NATS.URL)
		if err != nil {
			log.Fatalf("%v", err)
		}
		defer nc.Close()
		controller := device.NewNATSController(nc, store, journal)
		if err := controller.Subscribe(); err != nil {
			log.Fatalf("%v", err)
		}
		observers = append(observers, controller)
	}
	if conf.Health.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/healthz", device.HealthHandler(store))
		go func() {
			if err := http.ListenAndServe(conf.Health.Listen, mux); err != nil {
				log.Errorf("Health endpoint on %s: %v", conf.Health.Listen, err)
			}
		}()
	}

	builder := &rangeplugin.ReplyBuilder{
		ServerIP:   d.ServerIP,
		SubnetMask: d.SubnetMask,
		Router:     d.Router,
		DNS:        d.DNS,
		LeaseTime:  d.LeaseTime,
	}
	dispatcher := rangeplugin.New(store, builder, observers...)

	conn, err := server.Listen(conf.Server.Interface, conf.Server.Netns, d.Listen)
	if err != nil {
		log.Fatalf("%v", err)
	}
	opts := []server.Option{server.WithReplyAddr(d.Reply)}
	// Inside a namespace the socket is already bound to the device and host
	// interface indexes do not apply.
	if conf.Server.Interface != "" && conf.Server.Netns == "" {
		ifi, err := net.InterfaceByName(conf.Server.Interface)
		if err != nil {
			log.Fatalf("%v", err)
		}
		opts = append(opts, server.WithInterface(ifi))
	}
	srv, err := server.New(conn, dispatcher.Handler4, opts...)
	if err != nil {
		log.Fatalf("%v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Infof("Received %s, shutting down", s)
		srv.Close()
	}()

	if err := srv.Serve(); err != nil {
		log.Errorf("Serve: %v", err)
	}
}
