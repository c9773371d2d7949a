package main

import (
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/codecell/gateway/gateway"
	"github.com/codecell/gateway/runner"
	"github.com/codecell/gateway/token"
)

func main() {
	app := &cli.App{
		Name:  "gateway",
		Usage: "the execution gateway bridging browser clients to the code runner",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
				Value: "0.0.0.0:8080",
			},
			&cli.StringFlag{
				Name:  "redis-dsn",
				Usage: "Redis connection string for the shared limiter store.",
				Value: "redis://localhost:6379",
			},
			&cli.StringFlag{
				Name:  "runner-url",
				Usage: "WebSocket URL of the runner's run endpoint.",
				Value: "ws://localhost:50051/run",
			},
			&cli.StringFlag{
				Name:  "language",
				Usage: "Execution language passed to the runner.",
				Value: gateway.DefaultLanguage,
			},
			&cli.StringFlag{
				Name:  "jwt-private-key",
				Usage: "Path to the PEM private key for signing execution tokens.",
				Value: "private.pem",
			},
			&cli.StringFlag{
				Name:  "jwt-public-key",
				Usage: "Path to the PEM public key for verifying execution tokens.",
				Value: "public.pem",
			},
			&cli.BoolFlag{
				Name:  "secure-cookies",
				Usage: "Mark the token cookie Secure; enable behind TLS.",
			},
			&cli.BoolFlag{
				Name:  "dev",
				Usage: "Use the development logger and, if key files are missing, generate a throwaway key pair.",
			},
		},
		Action: func(ctx *cli.Context) error {
			listenAddr := ctx.String("listen-addr")
			redisDSN := ctx.String("redis-dsn")
			runnerURL := ctx.String("runner-url")
			language := ctx.String("language")
			privateKeyPath := ctx.String("jwt-private-key")
			publicKeyPath := ctx.String("jwt-public-key")
			secureCookies := ctx.Bool("secure-cookies")
			dev := ctx.Bool("dev")

			var logger *zap.Logger
			var err error
			if dev {
				logger, err = zap.NewDevelopment()
			} else {
				logger, err = zap.NewProduction()
			}
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync()

			privatePEM, publicPEM, err := loadKeys(privateKeyPath, publicKeyPath, dev)
			if err != nil {
				return err
			}
			issuer, err := token.NewIssuer(privatePEM, publicPEM)
			if err != nil {
				return fmt.Errorf("building token issuer: %w", err)
			}

			redisOpts, err := redis.ParseURL(redisDSN)
			if err != nil {
				return fmt.Errorf("parsing redis DSN: %w", err)
			}
			rdb := redis.NewClient(redisOpts)
			defer rdb.Close()

			runnerClient := &runner.Client{
				HTTPClient: http.DefaultClient,
				URL:        runnerURL,
				Logger:     logger.Named("runner_client").Sugar(),
			}

			gw, err := gateway.New(issuer, rdb, runnerClient,
				gateway.WithLogger(logger),
				gateway.WithListenAddr(listenAddr),
				gateway.WithLanguage(language),
				gateway.WithSecureCookies(secureCookies),
			)
			if err != nil {
				return fmt.Errorf("building gateway: %w", err)
			}

			logger.Sugar().Infow("starting execution gateway", "ListenAddr", listenAddr, "RunnerURL", runnerURL)
			return gw.Run()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func loadKeys(privatePath, publicPath string, allowGenerate bool) ([]byte, []byte, error) {
	privatePEM, privErr := os.ReadFile(privatePath)
	publicPEM, pubErr := os.ReadFile(publicPath)
	if privErr == nil && pubErr == nil {
		return privatePEM, publicPEM, nil
	}
	if !allowGenerate {
		if privErr != nil {
			return nil, nil, fmt.Errorf("reading private key: %w", privErr)
		}
		return nil, nil, fmt.Errorf("reading public key: %w", pubErr)
	}

	keys, err := token.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("generating dev key pair: %w", err)
	}
	return keys.PrivateKeyPEMBytes, keys.PublicKeyPEMBytes, nil
}
