package discovery

import (
	"fmt"
	"sync"
	"time"

	"github.com/schollz/peerdiscovery"
	log "github.com/sirupsen/logrus"

	"github.com/ngxial02/srt/group"
	"github.com/ngxial02/srt/link"
	"github.com/ngxial02/srt/link/quicl"
	"github.com/ngxial02/srt/link/udpl"
)

// Manager publishes and receives Announcements. Discovered endpoints are
// dialed and bonded into the local group as additional members.
type Manager struct {
	registry *group.Registry
	g        *group.Group

	stopChan4 chan struct{}
	stopChan6 chan struct{}

	// known tracks dialed peer addresses so an endpoint is only bonded
	// once.
	known     map[string]struct{}
	knownLock sync.Mutex
}

func (manager *Manager) notify6(discovered peerdiscovery.Discovered) {
	discovered.Address = fmt.Sprintf("[%s]", discovered.Address)

	manager.notify(discovered)
}

func (manager *Manager) notify(discovered peerdiscovery.Discovered) {
	announcements, err := UnmarshalAnnouncements(discovered.Payload)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"peer": discovered.Address,
		}).Warn("Peer discovery failed to parse incoming package")

		return
	}

	for _, announcement := range announcements {
		go manager.handleDiscovery(announcement, discovered.Address)
	}
}

func (manager *Manager) handleDiscovery(announcement Announcement, addr string) {
	log.WithFields(log.Fields{
		"peer":    addr,
		"message": announcement,
	}).Debug("Peer discovery received a message")

	endpoint := fmt.Sprintf("%s:%d", addr, announcement.Port)

	manager.knownLock.Lock()
	if _, dialed := manager.known[endpoint]; dialed {
		manager.knownLock.Unlock()
		return
	}
	manager.known[endpoint] = struct{}{}
	manager.knownLock.Unlock()

	var lnk link.Link
	switch announcement.Type {
	case UDP:
		lnk = udpl.New(manager.registry.NextSocketID(), ":0", endpoint)

	case QUIC:
		lnk = quicl.NewDialer(manager.registry.NextSocketID(), endpoint)

	default:
		log.WithFields(log.Fields{
			"peer":    addr,
			"type":    announcement.Type,
			"type-no": uint(announcement.Type),
		}).Warn("Announcement's Type is unknown or unsupported")
		return
	}

	if err := manager.g.Add(lnk, announcement.Weight); err != nil {
		log.WithError(err).WithField("peer", addr).Warn("Bonding discovered link failed")
		manager.forget(endpoint)
		return
	}

	if err, _ := lnk.Start(); err != nil {
		log.WithError(err).WithField("peer", addr).Warn("Starting discovered link failed")
		_ = manager.g.Remove(lnk.ID())
		manager.forget(endpoint)
		return
	}

	log.WithFields(log.Fields{
		"peer":   endpoint,
		"group":  manager.g.ID(),
		"weight": announcement.Weight,
	}).Info("Bonded discovered member link")
}

// forget releases a reserved endpoint after a failed bonding attempt.
func (manager *Manager) forget(endpoint string) {
	manager.knownLock.Lock()
	defer manager.knownLock.Unlock()

	delete(manager.known, endpoint)
}

// Close shuts the Manager down.
func (manager *Manager) Close() {
	if manager.stopChan4 != nil {
		manager.stopChan4 <- struct{}{}
	}

	if manager.stopChan6 != nil {
		manager.stopChan6 <- struct{}{}
	}
}

// NewManager starts a new discovery Manager which promotes the given
// Announcements through IPv4 and/or IPv6, as requested. Received
// Announcements are bonded into the given group.
func NewManager(announcements []Announcement, registry *group.Registry, g *group.Group,
	interval time.Duration, ipv4, ipv6 bool) (*Manager, error) {

	log.WithFields(log.Fields{
		"ipv4":    ipv4,
		"ipv6":    ipv6,
		"message": announcements,
	}).Info("Started discovery manager")

	manager := &Manager{
		registry: registry,
		g:        g,
		known:    make(map[string]struct{}),
	}

	if ipv4 {
		manager.stopChan4 = make(chan struct{})
	}

	if ipv6 {
		manager.stopChan6 = make(chan struct{})
	}

	msg, err := MarshalAnnouncements(announcements)
	if err != nil {
		return nil, err
	}

	sets := []struct {
		active           bool
		multicastAddress string
		stopChan         chan struct{}
		ipVersion        peerdiscovery.IPVersion
		notify           func(discovered peerdiscovery.Discovered)
	}{
		{ipv4, Address4, manager.stopChan4, peerdiscovery.IPv4, manager.notify},
		{ipv6, Address6, manager.stopChan6, peerdiscovery.IPv6, manager.notify6},
	}

	for _, set := range sets {
		if !set.active {
			continue
		}

		settings := peerdiscovery.Settings{
			Limit:            -1,
			Port:             fmt.Sprintf("%d", Port),
			MulticastAddress: set.multicastAddress,
			Payload:          msg,
			Delay:            interval,
			TimeLimit:        -1,
			StopChan:         set.stopChan,
			AllowSelf:        false,
			IPVersion:        set.ipVersion,
			Notify:           set.notify,
		}

		go peerdiscovery.Discover(settings)
	}

	return manager, nil
}
