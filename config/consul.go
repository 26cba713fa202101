package config

import (
	"bytes"
	"fmt"
	"io/ioutil"

	"github.com/hashicorp/consul/api"
	"github.com/spf13/viper"
)

// Remote is a config document kept under one consul KV key.
type Remote struct {
	kv     *api.KV
	key    string
	format string
}

// NewRemote connects to the consul agent at address. format is the viper
// config type of the document, for example "yaml" or "json".
func NewRemote(address, key, format string) (*Remote, error) {
	client, err := api.NewClient(&api.Config{Address: address})
	if err != nil {
		return nil, fmt.Errorf("new consul client %s: %w", address, err)
	}
	return NewRemoteKV(client.KV(), key, format), nil
}

// NewRemoteKV uses an existing consul KV client.
func NewRemoteKV(kv *api.KV, key, format string) *Remote {
	return &Remote{kv: kv, key: key, format: format}
}

// Merge reads the document and merges it over the settings of v. A missing
// key is not an error.
func (r *Remote) Merge(v *viper.Viper) error {
	pair, _, err := r.kv.Get(r.key, nil)
	if err != nil {
		return fmt.Errorf("get key %s: %w", r.key, err)
	}
	if pair == nil {
		log.Warningf("Consul key %s not found, using local config only", r.key)
		return nil
	}
	remote := viper.New()
	remote.SetConfigType(r.format)
	if err := remote.ReadConfig(bytes.NewReader(pair.Value)); err != nil {
		return fmt.Errorf("parse key %s: %w", r.key, err)
	}
	if err := v.MergeConfigMap(remote.AllSettings()); err != nil {
		return fmt.Errorf("merge key %s: %w", r.key, err)
	}
	log.Infof("Merged remote config from consul key %s", r.key)
	return nil
}

// Write stores the content of filename under the key.
func (r *Remote) Write(filename string) error {
	file, err := ioutil.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("read file %s: %w", filename, err)
	}
	p := &api.KVPair{Key: r.key, Value: file}
	_, err = r.kv.Put(p, nil)
	if err != nil {
		return fmt.Errorf("put key %s with value of file %s: %w", r.key, filename, err)
	}
	return nil
}
