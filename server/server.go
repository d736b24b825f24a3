package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/buildkite/shellwords"
	"github.com/gliderlabs/ssh"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/mcssh/mcssh/authkeys"
	"github.com/mcssh/mcssh/pemfile"
	"github.com/mcssh/mcssh/relay"
	"github.com/mcssh/mcssh/session"
	"github.com/mcssh/mcssh/storage"

	gossh "golang.org/x/crypto/ssh"
)

func main() {
	iface := flag.String("iface", ":2200", "Where to listen for SSH connections")
	dir := flag.String("dir", filepath.Join(os.Getenv("HOME"), ".mcssh"), "Where to keep state, logs and keys")
	upstream := flag.String("upstream", "127.0.0.1:4567", "Host and port of the game server console/query API")
	restart := flag.String("restart", "sudo systemctl restart mcssh.service", "Command run when an operator submits 'reset'")

	flag.Parse()

	store, err := storage.Open(*dir)
	if err != nil {
		log.Fatal(err)
	}

	log.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
		Filename:   filepath.Join(*dir, "server.log"),
		MaxSize:    10,
		MaxBackups: 3,
	}))

	privatePEMPath := filepath.Join(*dir, "server.key")
	publicPEMPath := filepath.Join(*dir, "server.pub")
	if _, err := os.Stat(privatePEMPath); os.IsNotExist(err) {
		if err := pemfile.GenKeyPair(privatePEMPath, publicPEMPath); err != nil {
			log.Fatal(err)
		}
		log.Printf("Generated server key pair in %q", *dir)
	} else if err != nil {
		log.Fatal(err)
	}

	pemBytes, err := os.ReadFile(privatePEMPath)
	if err != nil {
		log.Fatal(err)
	}
	signer, err := gossh.ParsePrivateKey(pemBytes)
	if err != nil {
		log.Fatal(err)
	}

	keychain, err := authkeys.Open(filepath.Join(*dir, "authorized_keys"))
	if err != nil {
		log.Fatal(err)
	}
	defer keychain.Close()

	restartArgs, err := shellwords.Split(*restart)
	if err != nil || len(restartArgs) == 0 {
		log.Fatalf("Parsing -restart %q: %v", *restart, err)
	}

	r, err := relay.New(*upstream, store.Secret, store)
	if err != nil {
		log.Fatal(err)
	}
	r.Start(context.Background())

	handler := &session.Handler{
		Upstream: r,
		Store:    store,
		Restart: func() error {
			return exec.Command(restartArgs[0], restartArgs[1:]...).Start()
		},
	}

	log.Printf("Listening on %q with public key %q", *iface, gossh.FingerprintSHA256(signer.PublicKey()))
	log.Fatal(ssh.ListenAndServe(*iface, handler.Handle,
		ssh.HostKeyPEM(pemBytes),
		ssh.PublicKeyAuth(func(ctx ssh.Context, key ssh.PublicKey) bool {
			if keychain.Check(key) {
				log.Printf("[auth] accepted public key %s for %q", gossh.FingerprintSHA256(key), ctx.User())
				return true
			}
			log.Printf("[auth] rejected public key %s for %q", gossh.FingerprintSHA256(key), ctx.User())
			return false
		}),
	))
}
