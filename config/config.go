// Copyright 2018-present the CoreDHCP Authors. All rights reserved
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package config loads the server configuration from defaults, a config
// file, DHCPD_* environment variables and command line flags, in increasing
// order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/dza1/dhcpd/logger"
	"github.com/spf13/cast"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var log = logger.GetLogger("config")

// EnvPrefix is prepended to the environment variable of every key, with dots
// replaced by underscores: DHCPD_SERVER_ADDRESS sets server.address.
const EnvPrefix = "DHCPD"

// Config is the raw configuration as read from all sources. Use DHCP for the
// parsed and validated values.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Pool    PoolConfig    `mapstructure:"pool"`
	Logging LoggingConfig `mapstructure:"logging"`
	NATS    NATSConfig    `mapstructure:"nats"`
	SQLite  SQLiteConfig  `mapstructure:"sqlite"`
	Health  HealthConfig  `mapstructure:"health"`
	Consul  ConsulConfig  `mapstructure:"consul"`

	DHCP *DHCP `mapstructure:"-"`
}

type ServerConfig struct {
	Interface string        `mapstructure:"interface"`
	Netns     string        `mapstructure:"netns"`
	Listen    string        `mapstructure:"listen"`
	Reply     string        `mapstructure:"reply"`
	Address   string        `mapstructure:"address"`
	Netmask   string        `mapstructure:"netmask"`
	Router    string        `mapstructure:"router"`
	DNS       []string      `mapstructure:"dns"`
	LeaseTime time.Duration `mapstructure:"lease_time"`
}

type PoolConfig struct {
	Start   string `mapstructure:"start"`
	End     string `mapstructure:"end"`
	Reclaim bool   `mapstructure:"reclaim"`
}

type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Filename    string `mapstructure:"filename"`
	MaxSize     int    `mapstructure:"maxsize"`
	MaxBackups  int    `mapstructure:"maxbackups"`
	MaxAge      int    `mapstructure:"maxage"`
	Compress    bool   `mapstructure:"compress"`
	NoStdOutErr bool   `mapstructure:"nostdout"`
}

type NATSConfig struct {
	URL string `mapstructure:"url"`
}

type SQLiteConfig struct {
	Filename string `mapstructure:"filename"`
}

type HealthConfig struct {
	Listen string `mapstructure:"listen"`
}

type ConsulConfig struct {
	Address string `mapstructure:"address"`
	Key     string `mapstructure:"key"`
	Format  string `mapstructure:"format"`
}

// DHCP holds the parsed server parameters.
type DHCP struct {
	Listen     *net.UDPAddr
	Reply      *net.UDPAddr
	ServerIP   net.IP
	SubnetMask net.IPMask
	Router     net.IP
	DNS        []net.IP
	LeaseTime  time.Duration
	PoolStart  net.IP
	PoolEnd    net.IP
	Reclaim    bool
	// Static maps canonical hardware address strings to addresses.
	Static map[string]net.IP
}

// New returns a viper instance carrying the defaults and the environment
// binding. Every call returns an independent instance.
func New() *viper.Viper {
	v := viper.New()
	// Keys without a default still need one for the environment to reach
	// Unmarshal.
	for _, key := range []string{
		"server.interface", "server.netns", "nats.url", "sqlite.filename",
		"health.listen", "consul.address", "consul.key", "logging.filename",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("server.dns", []string{})
	v.SetDefault("logging.compress", false)
	v.SetDefault("logging.nostdout", false)
	v.SetDefault("server.listen", "0.0.0.0:67")
	v.SetDefault("server.reply", "255.255.255.255:68")
	v.SetDefault("server.address", "192.168.1.1")
	v.SetDefault("server.netmask", "255.255.255.0")
	v.SetDefault("server.router", "192.168.1.1")
	v.SetDefault("server.lease_time", "24h")
	v.SetDefault("pool.start", "192.168.1.100")
	v.SetDefault("pool.end", "192.168.1.200")
	v.SetDefault("pool.reclaim", false)
	v.SetDefault("static", []interface{}{
		map[string]interface{}{"mac": "AA:BB:CC:DD:EE:FF", "ip": "192.168.1.50"},
	})
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.maxsize", 10)
	v.SetDefault("logging.maxbackups", 3)
	v.SetDefault("logging.maxage", 28)
	v.SetDefault("consul.format", "yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags binds each flag in bindings, keyed by config key, to v. Flags
// missing from flags are skipped.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, bindings map[string]string) error {
	for key, name := range bindings {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("bind flag %s to %s: %w", name, key, err)
		}
	}
	return nil
}

// ReadFile reads filename into v. The format is taken from the extension.
func ReadFile(v *viper.Viper, filename string) error {
	v.SetConfigFile(filename)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file %s: %w", filename, err)
	}
	log.Infof("Loaded config file %s", v.ConfigFileUsed())
	return nil
}

// Load decodes v and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	static, err := parseStatic(v.Get("static"))
	if err != nil {
		return nil, err
	}
	dhcp, err := parseDHCP(&conf, static)
	if err != nil {
		return nil, err
	}
	conf.DHCP = dhcp
	return &conf, nil
}

func parseStatic(value interface{}) (map[string]net.IP, error) {
	static := make(map[string]net.IP)
	if value == nil {
		return static, nil
	}
	entries, err := cast.ToSliceE(value)
	if err != nil {
		return nil, fmt.Errorf("static: %w", err)
	}
	for i, entry := range entries {
		fields, err := cast.ToStringMapStringE(entry)
		if err != nil {
			return nil, fmt.Errorf("static[%d]: %w", i, err)
		}
		mac, err := net.ParseMAC(fields["mac"])
		if err != nil {
			return nil, fmt.Errorf("static[%d]: malformed hardware address: %q", i, fields["mac"])
		}
		ip, err := parseIPv4("static["+cast.ToString(i)+"].ip", fields["ip"])
		if err != nil {
			return nil, err
		}
		if _, ok := static[mac.String()]; ok {
			return nil, fmt.Errorf("static[%d]: duplicate hardware address %s", i, mac)
		}
		static[mac.String()] = ip
	}
	return static, nil
}

func parseDHCP(conf *Config, static map[string]net.IP) (*DHCP, error) {
	var (
		d   = DHCP{Reclaim: conf.Pool.Reclaim, Static: static, LeaseTime: conf.Server.LeaseTime}
		err error
	)
	if d.Listen, err = net.ResolveUDPAddr("udp4", conf.Server.Listen); err != nil {
		return nil, fmt.Errorf("server.listen: %w", err)
	}
	if d.Reply, err = net.ResolveUDPAddr("udp4", conf.Server.Reply); err != nil {
		return nil, fmt.Errorf("server.reply: %w", err)
	}
	if d.ServerIP, err = parseIPv4("server.address", conf.Server.Address); err != nil {
		return nil, err
	}
	if d.Router, err = parseIPv4("server.router", conf.Server.Router); err != nil {
		return nil, err
	}
	for i, s := range conf.Server.DNS {
		ip, err := parseIPv4("server.dns["+cast.ToString(i)+"]", s)
		if err != nil {
			return nil, err
		}
		d.DNS = append(d.DNS, ip)
	}
	mask, err := parseIPv4("server.netmask", conf.Server.Netmask)
	if err != nil {
		return nil, err
	}
	d.SubnetMask = net.IPMask(mask)
	if _, bits := d.SubnetMask.Size(); bits == 0 {
		return nil, fmt.Errorf("server.netmask: %s is not a valid netmask", conf.Server.Netmask)
	}
	if d.LeaseTime <= 0 {
		return nil, fmt.Errorf("server.lease_time: must be positive, got %s", d.LeaseTime)
	}
	if d.PoolStart, err = parseIPv4("pool.start", conf.Pool.Start); err != nil {
		return nil, err
	}
	if d.PoolEnd, err = parseIPv4("pool.end", conf.Pool.End); err != nil {
		return nil, err
	}
	if bytes.Compare(d.PoolStart, d.PoolEnd) > 0 {
		return nil, fmt.Errorf("pool: start %s is above end %s", d.PoolStart, d.PoolEnd)
	}
	if d.inPool(d.ServerIP) {
		return nil, fmt.Errorf("server.address: %s lies inside the pool", d.ServerIP)
	}
	owners := make(map[string]string, len(static))
	for mac, ip := range static {
		if d.inPool(ip) {
			return nil, fmt.Errorf("static: address %s of %s lies inside the pool", ip, mac)
		}
		if other, ok := owners[ip.String()]; ok {
			return nil, fmt.Errorf("static: address %s is configured for both %s and %s", ip, other, mac)
		}
		owners[ip.String()] = mac
	}
	return &d, nil
}

func (d *DHCP) inPool(ip net.IP) bool {
	return bytes.Compare(ip, d.PoolStart) >= 0 && bytes.Compare(ip, d.PoolEnd) <= 0
}

var errNotIPv4 = errors.New("expected an IPv4 address")

func parseIPv4(key, s string) (net.IP, error) {
	ip := net.ParseIP(s).To4()
	if ip == nil {
		return nil, fmt.Errorf("%s: %w, got: %q", key, errNotIPv4, s)
	}
	return ip, nil
}
