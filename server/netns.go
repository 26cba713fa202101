package server

import (
	"fmt"
	"net"
	"runtime"

	"github.com/vishvananda/netns"
)

// listenInNetns runs listen with the calling thread switched into the named
// namespace. Sockets keep their namespace after the thread switches back.
func listenInNetns(name string, listen func() (net.PacketConn, error)) (net.PacketConn, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	orig, err := netns.Get()
	if err != nil {
		return nil, fmt.Errorf("get current netns: %w", err)
	}
	defer orig.Close()
	ns, err := netns.GetFromName(name)
	if err != nil {
		return nil, fmt.Errorf("get netns %s: %w", name, err)
	}
	defer ns.Close()

	if err := netns.Set(ns); err != nil {
		return nil, fmt.Errorf("enter netns %s: %w", name, err)
	}
	defer func() {
		if err := netns.Set(orig); err != nil {
			log.Errorf("return to original netns: %v", err)
		}
	}()
	log.Infof("Creating socket in netns %s", name)
	return listen()
}
