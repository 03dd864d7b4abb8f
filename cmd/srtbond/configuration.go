package main

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/ngxial02/srt/api"
	"github.com/ngxial02/srt/discovery"
	"github.com/ngxial02/srt/group"
	"github.com/ngxial02/srt/link"
	"github.com/ngxial02/srt/link/quicl"
	"github.com/ngxial02/srt/link/udpl"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Logging   logConf
	Api       apiConf
	Discovery discoveryConf
	Group     []groupConf
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// apiConf describes the management surface.
type apiConf struct {
	Listen string
}

// discoveryConf describes the Discovery-configuration block.
type discoveryConf struct {
	IPv4     bool
	IPv6     bool
	Interval uint
}

// groupConf describes one connection group with its members.
type groupConf struct {
	Type    string
	Options string
	Member  []memberConf
}

// memberConf describes one member link of a group.
type memberConf struct {
	Protocol string
	Local    string
	Remote   string
	Listen   string
	Weight   uint16
	Announce bool
}

// daemon bundles everything the configuration brought up.
type daemon struct {
	registry  *group.Registry
	groups    []*group.Group
	api       *api.Server
	discovery *discovery.Manager
	listeners []*quicl.Listener
	watcher   *fsnotify.Watcher
}

func (d *daemon) close() {
	if d.watcher != nil {
		_ = d.watcher.Close()
	}
	if d.discovery != nil {
		d.discovery.Close()
	}
	for _, l := range d.listeners {
		_ = l.Close()
	}
	if d.api != nil {
		_ = d.api.Close()
	}
	d.registry.Close()
}

// parseLogging configures logrus from the Logging block.
func parseLogging(conf logConf) {
	if conf.Level != "" {
		if level, err := log.ParseLevel(conf.Level); err != nil {
			log.WithError(err).Warn("Unknown logging level")
		} else {
			log.SetLevel(level)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{DisableColors: true, FullTimestamp: true})
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.Warn("Unknown logging format")
	}
}

func parseListenPort(endpoint string) (port int, err error) {
	var portStr string
	if _, portStr, err = net.SplitHostPort(endpoint); err != nil {
		return
	}
	port, err = strconv.Atoi(portStr)
	return
}

// parseMember builds and bonds one member link. An announceable listen
// endpoint additionally yields a discovery Announcement.
func parseMember(registry *group.Registry, g *group.Group, conf memberConf) (*discovery.Announcement, error) {
	var lnk link.Link

	switch conf.Protocol {
	case "udp":
		local := conf.Local
		if local == "" {
			local = ":0"
		}
		lnk = udpl.New(registry.NextSocketID(), local, conf.Remote)

	case "quic":
		lnk = quicl.NewDialer(registry.NextSocketID(), conf.Remote)

	default:
		return nil, fmt.Errorf("unknown member.protocol %q", conf.Protocol)
	}

	if err := g.Add(lnk, conf.Weight); err != nil {
		return nil, err
	}

	if err, retry := lnk.Start(); err != nil {
		if !retry {
			_ = g.Remove(lnk.ID())
			return nil, err
		}
		log.WithError(err).WithField("remote", conf.Remote).Warn("Member link start failed, stays pending")
	}

	if !conf.Announce || conf.Listen == "" {
		return nil, nil
	}

	port, err := parseListenPort(conf.Listen)
	if err != nil {
		return nil, err
	}

	var linkType discovery.LinkType
	switch conf.Protocol {
	case "udp":
		linkType = discovery.UDP
	case "quic":
		linkType = discovery.QUIC
	}

	return &discovery.Announcement{
		Type:   linkType,
		Group:  g.ID(),
		Port:   uint(port),
		Weight: conf.Weight,
	}, nil
}

// parseGroupListeners brings up the QUIC listeners of a group's members and
// bonds accepted links.
func parseGroupListeners(registry *group.Registry, g *group.Group, confs []memberConf) []*quicl.Listener {
	var listeners []*quicl.Listener

	for _, conf := range confs {
		if conf.Protocol != "quic" || conf.Listen == "" {
			continue
		}

		listener := quicl.NewListener(conf.Listen, registry.NextSocketID)
		if err := listener.Start(); err != nil {
			log.WithError(err).WithField("listen", conf.Listen).Warn("QUIC listener start failed")
			continue
		}
		listeners = append(listeners, listener)

		weight := conf.Weight
		go func() {
			for lnk := range listener.Accept() {
				if err := g.Add(lnk, weight); err != nil {
					log.WithError(err).Warn("Bonding accepted link failed")
					_ = lnk.Close()
					continue
				}
				if err, _ := lnk.Start(); err != nil {
					log.WithError(err).Warn("Starting accepted link failed")
					_ = g.Remove(lnk.ID())
				}
			}
		}()
	}

	return listeners
}

// parseConfig assembles the whole daemon from a configuration file.
func parseConfig(filename string) (*daemon, error) {
	var conf tomlConfig
	if _, err := toml.DecodeFile(filename, &conf); err != nil {
		return nil, err
	}

	parseLogging(conf.Logging)

	d := &daemon{
		registry: group.NewRegistry(),
	}

	var announcements []discovery.Announcement

	for _, gc := range conf.Group {
		groupType, err := group.ParseType(gc.Type)
		if err != nil {
			d.close()
			return nil, err
		}

		g, err := d.registry.NewGroup(groupType)
		if err != nil {
			d.close()
			return nil, err
		}

		if err := g.Configure(gc.Options); err != nil {
			d.close()
			return nil, err
		}

		for _, mc := range gc.Member {
			announcement, err := parseMember(d.registry, g, mc)
			if err != nil {
				d.close()
				return nil, err
			}
			if announcement != nil {
				announcements = append(announcements, *announcement)
			}
		}

		d.listeners = append(d.listeners, parseGroupListeners(d.registry, g, gc.Member)...)
		d.groups = append(d.groups, g)
	}

	if conf.Api.Listen != "" {
		d.api = api.NewServer(d.registry, conf.Api.Listen)
		d.api.Start()
	}

	if (conf.Discovery.IPv4 || conf.Discovery.IPv6) && len(d.groups) > 0 {
		interval := time.Duration(conf.Discovery.Interval) * time.Second
		if interval == 0 {
			interval = 10 * time.Second
		}

		manager, err := discovery.NewManager(announcements, d.registry, d.groups[0],
			interval, conf.Discovery.IPv4, conf.Discovery.IPv6)
		if err != nil {
			d.close()
			return nil, err
		}
		d.discovery = manager
	}

	if err := d.watchConfig(filename); err != nil {
		log.WithError(err).Warn("Configuration watcher could not be started")
	}

	return d, nil
}

// watchConfig reloads the mutable parts of the configuration, the logging
// setup and the group option strings, whenever the file changes.
func (d *daemon) watchConfig(filename string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filename); err != nil {
		_ = watcher.Close()
		return err
	}
	d.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == 0 {
					continue
				}

				var conf tomlConfig
				if _, err := toml.DecodeFile(filename, &conf); err != nil {
					log.WithError(err).Warn("Reloading configuration failed")
					continue
				}

				parseLogging(conf.Logging)

				for i, gc := range conf.Group {
					if i >= len(d.groups) {
						break
					}
					if err := d.groups[i].Configure(gc.Options); err != nil {
						log.WithError(err).WithField("group", d.groups[i].ID()).
							Warn("Reapplying group options failed")
					}
				}

				log.WithField("file", filename).Info("Configuration reloaded")

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("Configuration watcher errored")
			}
		}
	}()

	return nil
}
