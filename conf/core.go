package conf

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/zeptools/sqlrelay/backend"
	"github.com/zeptools/sqlrelay/cluster"
	"github.com/zeptools/sqlrelay/kvdb"
	"github.com/zeptools/sqlrelay/sec"
	"github.com/zeptools/sqlrelay/server"
	"github.com/zeptools/sqlrelay/svc"
	"github.com/zeptools/sqlrelay/transport/impls/unixsock"
)

// SlowQueryOpts tunes slow-query segregation; nil disables it.
type SlowQueryOpts struct {
	ThresholdMillis int `json:"threshold_millis"`
	Burst           int `json:"burst"`
	Increment       int `json:"increment"`
	PeriodMillis    int `json:"period_millis"`
}

// Core - common config
type Core struct {
	AppName        string                   `json:"app_name"`
	NodeID         string                   `json:"node_id"`
	SocketPath     string                   `json:"socket_path"`
	AuthSecret     string                   `json:"auth_secret"`
	SealKey        string                   `json:"seal_key"` // base64 32-byte key, empty disables sealing
	DefaultBackend string                   `json:"default_backend"`
	Backends       map[string]*backend.Conf `json:"backends"`
	KVDBConf       *kvdb.Conf               `json:"kvdb"` // nil runs without cluster tracking
	PageSize       int                      `json:"page_size"`
	LobChunk       int                      `json:"lob_chunk"`
	IdleSessionSec int                      `json:"idle_session_sec"`
	ReapCycleSec   int                      `json:"reap_cycle_sec"`
	ClusterTTLSec  int                      `json:"cluster_ttl_sec"`
	SlowQuery      *SlowQueryOpts           `json:"slow_query"`

	AppRoot     string             `json:"-"` // Filled from compiled paths
	RootCtx     context.Context    `json:"-"` // Global Context with RootCancel
	RootCancel  context.CancelFunc `json:"-"` // CancelFunc for RootCtx
	Manager     *server.Manager    `json:"-"` // PrepareBackends
	Relay       *server.Relay      `json:"-"` // PrepareRelay
	KVDBClient  kvdb.Client        `json:"-"` // PrepareKVDatabase
	Cluster     *cluster.Registry  `json:"-"` // PrepareCluster
	SockService *unixsock.Service  `json:"-"` // PrepareSockService
	Reaper      *server.Reaper     `json:"-"` // PrepareReaper

	services []svc.Service // Services to Manage
	done     chan error
}

// BaseInit - 1st step for initialization
// 1. set AppRoot
// 2. load config/.core.json file
// 3. fill defaults
// 4. Start ShutdownSignalListener
func (c *Core) BaseInit(appRoot string, rootCtx context.Context, rootCancel context.CancelFunc) error {
	c.AppRoot = appRoot
	envFilePath := filepath.Join(appRoot, "config", ".core.json")
	envBytes, err := os.ReadFile(envFilePath) // ([]byte, error)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(envBytes, c); err != nil {
		return err
	}
	c.RootCtx = rootCtx
	c.RootCancel = rootCancel
	c.setDefaults()
	c.startShutdownSignalListener()
	return nil
}

func (c *Core) setDefaults() {
	if c.NodeID == "" {
		host, _ := os.Hostname()
		c.NodeID = host
	}
	if c.IdleSessionSec <= 0 {
		c.IdleSessionSec = 900
	}
	if c.ReapCycleSec <= 0 {
		c.ReapCycleSec = 60
	}
	if c.ClusterTTLSec <= 0 {
		c.ClusterTTLSec = 3 * c.ReapCycleSec
	}
}

func (c *Core) AddService(s svc.Service) {
	log.Printf("[INFO] adding service: %s", s.Name())
	c.services = append(c.services, s)
	log.Printf("[INFO] total services: %d", len(c.services))
}

func (c *Core) StartServices() error {
	c.done = make(chan error, len(c.services))
	for _, s := range c.services {
		err := s.Start()
		if err != nil {
			return err
		}
		go func(s svc.Service) {
			err := <-s.Done()
			c.done <- err
		}(s) // pass the loop var to the param. otherwise, they are captured inside goroutine lazily
	}
	return nil
}

func (c *Core) WaitServicesDone() error {
	for i := 0; i < len(c.services); i++ {
		if err := <-c.done; err != nil {
			return err
		}
	}
	return nil
}

func (c *Core) StopServices() {
	for _, s := range c.services {
		s.Stop()
	}
}

var once sync.Once

func (c *Core) startShutdownSignalListener() {
	once.Do(func() {
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			sig := <-sigs
			log.Printf("[INFO] got signal [%s]. shutting down app [%s] ...", sig, c.AppName)
			c.RootCancel() // broadcast to all child services via Context.Done()
		}()
	})
	log.Printf("[INFO][CORE] shutdown signal listener started")
}

// PrepareBackends builds the backend pools named in the config.
func (c *Core) PrepareBackends() error {
	if len(c.Backends) == 0 {
		return fmt.Errorf("no backends configured")
	}
	c.Manager = server.NewManager()
	for name, bc := range c.Backends {
		if err := c.Manager.AddBackend(name, bc); err != nil {
			return err
		}
	}
	return nil
}

func (c *Core) PrepareKVDatabase() error {
	if c.KVDBConf == nil {
		return nil
	}
	client, err := kvdb.New(c.KVDBConf)
	if err != nil {
		return err
	}
	c.KVDBClient = client
	return nil
}

func (c *Core) PrepareCluster() {
	if c.KVDBClient == nil {
		return
	}
	c.Cluster = cluster.NewRegistry(c.KVDBClient, c.NodeID, time.Duration(c.ClusterTTLSec)*time.Second)
}

func (c *Core) PrepareRelay() {
	c.Relay = server.NewRelay(c.Manager)
	c.Relay.PageSize = c.PageSize
	c.Relay.LobChunk = int32(c.LobChunk)
	if c.SlowQuery != nil {
		c.Relay.Seg = server.NewSegregator(&server.SegregationConf{
			SlowThreshold: time.Duration(c.SlowQuery.ThresholdMillis) * time.Millisecond,
			Burst:         c.SlowQuery.Burst,
			Increment:     c.SlowQuery.Increment,
			Period:        time.Duration(c.SlowQuery.PeriodMillis) * time.Millisecond,
		})
	}
	if c.Cluster != nil {
		c.Relay.Tracker = c.Cluster
	}
}

func (c *Core) PrepareSockService() error {
	var cipher *sec.XChaCha20Poly1305Cipher
	if c.SealKey != "" {
		key, err := base64.RawURLEncoding.DecodeString(c.SealKey)
		if err != nil {
			return fmt.Errorf("decode seal key: %w", err)
		}
		if cipher, err = sec.NewXChaCha20Poly1305CipherBase64(key); err != nil {
			return err
		}
	}
	c.SockService = unixsock.NewService(c.RootCtx, c.SocketPath, c.Relay, []byte(c.AuthSecret), cipher)
	c.AddService(c.SockService)
	return nil
}

func (c *Core) PrepareReaper() {
	var refresher server.SessionRefresher
	if c.Cluster != nil {
		refresher = c.Cluster
	}
	c.Reaper = server.NewReaper(
		c.RootCtx,
		c.Manager,
		refresher,
		time.Duration(c.ReapCycleSec)*time.Second,
		time.Duration(c.IdleSessionSec)*time.Second,
	)
	c.AddService(c.Reaper)
}
