package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/jsonrpcbus/bus"
)

type command func(ctx context.Context, a *app, args []string) error

var commands = map[string]command{
	"respond":   respond,
	"request":   request,
	"publish":   publish,
	"subscribe": subscribe,
}

// resolve maps a configured endpoint name to its URI and topic; anything else is a URI
func (a *app) resolve(arg string) (uri, topic string, err error) {
	ep, ok := a.cfg.Endpoint(arg)
	if !ok {
		return arg, "", nil
	}
	uri, err = ep.ResolvedURI()
	if err != nil {
		return "", "", fmt.Errorf("endpoint %s: %w", arg, err)
	}
	return uri, ep.Topic, nil
}

// printer serializes listener output; listeners run on several event loops
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) println(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintln(p.w, msg)
}

func respond(ctx context.Context, a *app, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: respond <endpoint>")
	}
	uri, _, err := a.resolve(args[0])
	if err != nil {
		return err
	}

	echo := bus.MessageListenerFunc(func(peer bus.PeerContext, msg string) {
		a.logger.Debug("Request", "peer", peer.RemoteAddr(), "bytes", len(msg))
		if err := peer.Send(msg); err != nil {
			a.logger.Warn("Reply failed", "peer", peer.RemoteAddr(), "error", err)
		}
	})
	resp, err := a.factory.Responder(uri, echo)
	if err != nil {
		return err
	}
	defer resp.Close()

	a.logger.Info("Responding", "uri", uri)
	<-ctx.Done()
	a.logger.Info("Responder stopping", "peers", resp.Peers())
	return nil
}

func request(ctx context.Context, a *app, args []string) error {
	if len(args) != 2 {
		return errors.New("usage: request <endpoint> <message>")
	}
	uri, _, err := a.resolve(args[0])
	if err != nil {
		return err
	}

	unsolicited := bus.MessageListenerFunc(func(_ bus.PeerContext, msg string) {
		a.logger.Warn("Unsolicited message", "bytes", len(msg))
	})
	req, err := a.factory.Requester(uri, unsolicited)
	if err != nil {
		return err
	}
	defer req.Close()

	if err := req.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", uri, err)
	}
	reply, err := req.SendRequest(ctx, args[1])
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(a.stdout, reply)
	return nil
}

func publish(ctx context.Context, a *app, args []string) error {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	peers := fs.Int("peers", getEnvInt("JSONRPCBUS_PEERS", 0),
		"Wait for this many subscribers before publishing (env: JSONRPCBUS_PEERS)")
	linger := fs.Duration("linger", 200*time.Millisecond,
		"Keep the session open this long after the last message")
	perSecond := fs.Float64("rate", 0, "Publish at most this many stdin lines per second (0: unlimited)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *perSecond < 0 {
		return errors.New("publish: -rate must not be negative")
	}
	args = fs.Args()
	if len(args) < 2 || len(args) > 3 {
		return errors.New("usage: publish [-peers n] [-linger d] [-rate r] <endpoint> <topic> [message]")
	}
	uri, _, err := a.resolve(args[0])
	if err != nil {
		return err
	}
	topic := args[1]

	pub, err := a.factory.Publisher(uri)
	if err != nil {
		return err
	}
	defer pub.Close()

	if *peers > 0 {
		if err := waitForPeers(ctx, pub, *peers); err != nil {
			return err
		}
	}

	if len(args) == 3 {
		if err := pub.Publish(args[2], topic); err != nil {
			return err
		}
	} else {
		limiter := rate.NewLimiter(rate.Inf, 1)
		if *perSecond > 0 {
			limiter = rate.NewLimiter(rate.Limit(*perSecond), 1)
		}
		scanner := bufio.NewScanner(a.stdin)
		for scanner.Scan() {
			if err := limiter.Wait(ctx); err != nil {
				return err
			}
			if err := pub.Publish(scanner.Text(), topic); err != nil {
				return err
			}
		}
		if err := scanner.Err(); err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
	}

	select {
	case <-ctx.Done():
	case <-time.After(*linger):
	}
	return nil
}

// waitForPeers polls until n subscribers are attached, bounded by the session timeout
func waitForPeers(ctx context.Context, pub bus.Publisher, n int) error {
	ctx, cancel := context.WithTimeout(ctx, pub.Timeout())
	defer cancel()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for pub.Peers() < n {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %d subscribers, have %d: %w", n, pub.Peers(), ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

func subscribe(ctx context.Context, a *app, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return errors.New("usage: subscribe <endpoint> [topic]")
	}
	uri, topic, err := a.resolve(args[0])
	if err != nil {
		return err
	}
	if len(args) == 2 {
		topic = args[1]
	}

	out := &printer{w: a.stdout}
	sub, err := a.factory.Subscriber(uri, topic, bus.MessageListenerFunc(func(_ bus.PeerContext, msg string) {
		out.println(msg)
	}))
	if err != nil {
		return err
	}
	defer sub.Close()

	if err := sub.AwaitConnection(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", uri, err)
	}
	a.logger.Info("Subscribed", "uri", uri, "topic", topic)
	<-ctx.Done()
	return nil
}
