package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/careline/careline-go-api/internal/config"
	"github.com/careline/careline-go-api/internal/database"
	"github.com/careline/careline-go-api/internal/handler"
	"github.com/careline/careline-go-api/internal/middleware"
	"github.com/careline/careline-go-api/internal/models"
	"github.com/careline/careline-go-api/internal/repository"
	"github.com/careline/careline-go-api/internal/router"
	"github.com/careline/careline-go-api/internal/service"
	cloud "github.com/careline/careline-go-api/pkg/cloudinary"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	db, err := database.ConnectPostgres(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}

	if err := db.AutoMigrate(
		&models.ChatRoom{},
		&models.ChatMessage{},
		&models.CareConnection{},
		&models.Patient{},
		&models.Doctor{},
	); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}

	redisClient, err := database.ConnectRedis(cfg.RedisURL)
	if err != nil {
		log.Fatalf("failed to connect to redis: %v", err)
	}
	defer redisClient.Close()

	natsConn, err := database.ConnectNATS(cfg.NATSURL)
	if err != nil {
		log.Fatalf("failed to connect to nats: %v", err)
	}
	defer natsConn.Close()

	uploader, err := cloud.New(cloud.Config{
		CloudName: cfg.CloudinaryCloudName,
		APIKey:    cfg.CloudinaryAPIKey,
		APISecret: cfg.CloudinaryAPISecret,
		Folder:    cfg.CloudinaryUploadFolder,
	}, logger)
	if err != nil {
		log.Fatalf("failed to create cloudinary client: %v", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())

	messageRepo := repository.NewChatMessageRepository(db)
	roomRepo := repository.NewChatRoomRepository(db)
	connectionRepo := repository.NewConnectionRepository(db)
	directoryRepo := repository.NewDirectoryRepository(db)

	presence := service.NewPresenceRegistry(logger)

	chatService := service.NewChatService(service.ChatServiceDeps{
		Messages:    messageRepo,
		Rooms:       roomRepo,
		Connections: connectionRepo,
		Directory:   directoryRepo,
		Presence:    presence,
		Redis:       redisClient,
		NATS:        natsConn,
		ChannelBase: "careline",
		Validator:   validate,
		WriteSlots:  cfg.ChatWriteWorkers,
	}, logger)

	uploadService := service.NewUploadService(uploader, cfg.UploadMaxSizeMB, logger)
	gateway := service.NewRealtimeGateway(chatService, presence, directoryRepo, validate, cfg.ChatSendBuffer, logger)

	chatHandler := handler.NewChatHandler(chatService, gateway, validate, logger)
	uploadHandler := handler.NewUploadHandler(uploadService, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
	})

	middleware.Register(app, middleware.Config{Logger: &logger})
	router.Register(app, cfg, router.Dependencies{
		ChatHandler:   chatHandler,
		UploadHandler: uploadHandler,
		JWTMiddleware: middleware.JWTProtected(cfg.JWTSecret),
	})

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chatService.Start(runCtx)

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app)
}

func waitForShutdown(app *fiber.App) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}
