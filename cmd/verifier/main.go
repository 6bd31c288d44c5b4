package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dushixiang/aegis/pkg/attest"
	"github.com/dushixiang/aegis/pkg/nostd"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	nodeID     string
	seed       string
	listenAddr string
)

var rootCmd = &cobra.Command{
	Use:   "aegis-verifier",
	Short: "Aegis 验证节点",
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "生成 ed25519 密钥",
	RunE: func(cmd *cobra.Command, args []string) error {
		seedHex, pubHex, err := attest.GenerateKey(rand.Reader)
		if err != nil {
			return err
		}
		fmt.Printf("seed:       %s\npublic_key: %s\n", seedHex, pubHex)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "启动签名服务",
	RunE: func(cmd *cobra.Command, args []string) error {
		if seed == "" {
			seed = os.Getenv("AEGIS_VERIFIER_SEED")
		}
		signer, err := attest.NewSignerFromSeed(seed)
		if err != nil {
			return err
		}

		logger, err := zap.NewProduction()
		if err != nil {
			return err
		}
		defer logger.Sync()

		return serve(logger, signer)
	},
}

func serve(logger *zap.Logger, signer *attest.Signer) error {
	e := echo.New()
	e.HidePort = true
	e.HideBanner = true
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			logger.Sugar().Error(fmt.Sprintf("[PANIC RECOVER] %v %s\n", err, stack))
			return err
		},
	}))
	customValidator := nostd.CustomValidator{Validator: validator.New()}
	if err := customValidator.TransInit(); err != nil {
		return err
	}
	e.Validator = &customValidator

	attest.NewNodeServer(logger, nodeID, signer).RegisterRoutes(e)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("verifier node listening",
			zap.String("node_id", nodeID),
			zap.String("listen", listenAddr),
			zap.String("public_key", signer.PublicKey()))
		if err := e.Start(listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("verifier node stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func init() {
	serveCmd.Flags().StringVar(&nodeID, "node-id", "", "节点ID，需与服务端配置一致")
	serveCmd.Flags().StringVar(&seed, "seed", "", "hex编码的32字节私钥种子，也可通过 AEGIS_VERIFIER_SEED 设置")
	serveCmd.Flags().StringVar(&listenAddr, "listen", ":9001", "监听地址")
	_ = serveCmd.MarkFlagRequired("node-id")

	rootCmd.AddCommand(keygenCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
