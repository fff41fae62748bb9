package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"plan_sync/client/chat/api"
	"plan_sync/client/chat/domain"
	"plan_sync/client/chat/service"
	"plan_sync/client/common/auth"
	"plan_sync/client/common/infra/mq"
	"plan_sync/client/common/infra/rest"
	"plan_sync/client/common/infra/storage"
	commonlog "plan_sync/client/common/log"
)

// Server owns every long-lived component of the agent: one event loop, the
// two sockets, the derived-state services and the bridge HTTP server.
type Server struct {
	HTTPServer *http.Server

	Loop               *service.Loop
	Session            *auth.Session
	Store              storage.Store
	Redis              *redis.Client
	MQPublisher        *mq.Publisher
	Connection         *service.ConnectionManager
	NotificationSocket *service.NotificationSocket
	Notifications      *service.NotificationCenter
	Rooms              *service.RoomAggregator
	Plans              *service.Reconciler
	UI                 *service.UIStore
	Handler            *api.Handler

	forwarder   *changeForwarder
	unsubscribe []func()
	cancel      context.CancelFunc
}

func NewServer(cfg Config) (*Server, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	session := auth.NewSession(tokenSource(cfg))
	store, redisClient, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	var publisher *mq.Publisher
	if cfg.UseMQ {
		conn, err := mq.NewConnection(cfg.AMQPURL)
		if err != nil {
			closeStore(store, redisClient)
			return nil, fmt.Errorf("initialize amqp: %w", err)
		}
		publisher, err = mq.NewPublisher(conn, cfg.MQExchange, session.UserKey())
		if err != nil {
			_ = conn.Close()
			closeStore(store, redisClient)
			return nil, fmt.Errorf("initialize amqp publisher: %w", err)
		}
	}

	restClient := rest.NewClient(rest.Options{Endpoints: cfg.APIEndpoints, Token: session.Token})
	apiClient := service.NewAPIClient(restClient)
	profile := profileFromSession(session)
	loc := service.ServerLocation(cfg.ServerTZOffset)

	loop := service.NewLoop()
	socketCfg := service.SocketConfig{
		BaseURL:     cfg.WSBase,
		BaseDelay:   cfg.ReconnectBase,
		MaxDelay:    cfg.ReconnectCap,
		MaxAttempts: cfg.ReconnectAttempts,
	}
	connection := service.NewConnectionManager(loop, session, socketCfg)
	notifCfg := socketCfg
	notifCfg.MaxDelay = cfg.NotificationReconnectCap
	notifSocket := service.NewNotificationSocket(loop, session, notifCfg)

	notifications := service.NewNotificationCenter(loop, apiClient)
	notifications.Attach(notifSocket)
	rooms := service.NewRoomAggregator(loop, apiClient, store, notifications, connection, service.RoomAggregatorConfig{
		Profile:      profile,
		Location:     loc,
		ErrorDisplay: cfg.ConnectionErrorDisplayFor,
	})
	plans := service.NewReconciler(loop, apiClient, store, service.ReconcilerConfig{
		Profile:        profile,
		UserKey:        session.UserKey(),
		ReloadDelay:    cfg.ReloadDelay,
		ReloadCooldown: cfg.ReloadCooldown,
		GuardTimeout:   cfg.ToggleGuard,
	})
	ui := service.NewUIStore(loop)

	h := api.NewHandler(rooms, notifications, plans, ui, session)
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.Default()
	h.RegisterRoutes(r)

	s := &Server{
		HTTPServer: &http.Server{
			Addr:        "127.0.0.1:" + cfg.BridgePort,
			Handler:     r,
			ReadTimeout: 15 * time.Second,
			IdleTimeout: 60 * time.Second,
		},
		Loop:               loop,
		Session:            session,
		Store:              store,
		Redis:              redisClient,
		MQPublisher:        publisher,
		Connection:         connection,
		NotificationSocket: notifSocket,
		Notifications:      notifications,
		Rooms:              rooms,
		Plans:              plans,
		UI:                 ui,
		Handler:            h,
	}
	if publisher != nil {
		s.forwarder = newChangeForwarder(publisher)
		s.unsubscribe = append(s.unsubscribe,
			rooms.Subscribe(s.forwarder.rooms),
			plans.Subscribe(s.forwarder.plans),
		)
	}
	commonlog.Infof("event=agent action=init status=ok storage=%s mq=%t user_key=%s", cfg.StorageDriver, cfg.UseMQ, session.UserKey())
	return s, nil
}

// Start begins watching storage, opens the notification socket and loads
// the initial notifications, rooms and plans in the background.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	if err := s.Rooms.Start(ctx); err != nil {
		return fmt.Errorf("start rooms: %w", err)
	}
	if err := s.Plans.Start(ctx); err != nil {
		return fmt.Errorf("start plans: %w", err)
	}
	if err := s.NotificationSocket.Start(); err != nil {
		commonlog.Warnf("event=agent action=start_notifications status=failed error=%v", err)
	}
	go func() {
		if err := s.Notifications.Refresh(ctx); err != nil {
			commonlog.Warnf("event=agent action=initial_notifications status=failed error=%v", err)
		}
		if err := s.Rooms.RefreshRooms(ctx); err != nil {
			commonlog.Warnf("event=agent action=initial_rooms status=failed error=%v", err)
		}
		if err := s.Plans.Reload(ctx); err != nil {
			commonlog.Warnf("event=agent action=initial_plans status=failed error=%v", err)
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	err := s.HTTPServer.Shutdown(ctx)
	for _, fn := range s.unsubscribe {
		fn()
	}
	s.Handler.Close()
	s.NotificationSocket.Stop()
	s.Connection.Close()
	if s.cancel != nil {
		s.cancel()
	}
	s.Loop.Stop()
	if s.forwarder != nil {
		s.forwarder.close()
	}
	if s.MQPublisher != nil {
		s.MQPublisher.Close()
	}
	closeStore(s.Store, s.Redis)
	commonlog.Infof("event=agent action=shutdown status=ok")
	return err
}

func tokenSource(cfg Config) auth.TokenSource {
	if cfg.Token != "" {
		return auth.StaticToken(cfg.Token)
	}
	if cfg.TokenFile != "" {
		return auth.FileToken{Path: cfg.TokenFile}
	}
	return auth.StaticToken("")
}

func openStore(ctx context.Context, cfg Config) (storage.Store, *redis.Client, error) {
	switch cfg.StorageDriver {
	case StorageMemory:
		return storage.NewMemoryStore(), nil, nil
	case StorageRedis:
		client := storage.NewRedisClient(cfg.RedisAddr)
		if err := storage.Ping(ctx, client); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		return storage.NewRedisStore(client), client, nil
	case StorageFile, "":
		store, err := storage.NewFileStore(cfg.StorageDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open file storage: %w", err)
		}
		return store, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
}

func closeStore(store storage.Store, client *redis.Client) {
	if store != nil {
		_ = store.Close()
	}
	if client != nil {
		_ = client.Close()
	}
}

// profileFromSession reads who the user is from the token claims. Opaque
// tokens give an empty profile, which disables self receipts.
func profileFromSession(session *auth.Session) domain.Profile {
	claims, ok := session.Claims()
	if !ok {
		return domain.Profile{}
	}
	profile := domain.Profile{
		Username:    claims.Username,
		DisplayName: claims.DisplayName,
	}
	if key := session.UserKey(); key != "default" {
		profile.ID = key
	}
	if claims.ProfilePicture != "" {
		picture := claims.ProfilePicture
		profile.Avatar = &picture
	}
	return profile
}
