package controlplane

import (
	"context"
	"io"
	"net"
	"sync"

	bigbuff "github.com/joeycumines/go-bigbuff"
	"google.golang.org/grpc"
)

// PTYKeystroke is one chunk of keystroke bytes forwarded to a pty_info
// enabled handler.
type PTYKeystroke struct {
	Data []byte `json:"data"`
}

// PTYOutput is one chunk of pty output relayed back to the control plane.
type PTYOutput struct {
	Data []byte `json:"data"`
}

// MethodContainerPTYStream is the bidirectional stream backing the PTY
// shim's "server-provided input stream" (§4.6, §9 design notes): the
// control plane sends keystrokes, the container relays pty output back.
const MethodContainerPTYStream = "/containerrt.ControlPlane/ContainerPTYStream"

// StreamDesc describes MethodContainerPTYStream for grpc.ClientConn.NewStream.
var StreamDesc = &grpc.StreamDesc{
	StreamName:    "ContainerPTYStream",
	ServerStreams: true,
	ClientStreams: true,
}

// StreamConn is the subset of grpc.ClientConn needed to open a stream;
// satisfied by *grpc.ClientConn and an in-process test channel.
type StreamConn interface {
	NewStream(ctx context.Context, desc *grpc.StreamDesc, method string, opts ...grpc.CallOption) (grpc.ClientStream, error)
}

// PTYStream is the open keystroke/output stream for a pty_info enabled
// handler: keystrokes queued via Send are relayed to the control plane,
// and every PTYOutput chunk the control plane sends back is fanned out to
// every Subscribe'd receiver, since a running pty shim has both the
// keystroke-forwarding pump and the handler's own output drain reading
// from the same stream concurrently.
type PTYStream struct {
	notifier bigbuff.Notifier
	ctx      context.Context
	cancel   context.CancelFunc
	cs       grpc.ClientStream
	ch       chan *PTYKeystroke
	done     chan struct{}
	stop     chan struct{}
	mu       sync.Mutex
	err      error
}

// OpenPTYStream opens MethodContainerPTYStream and starts its background
// send/receive pump. Send queues a keystroke for delivery; Subscribe
// registers a channel to receive every PTYOutput chunk the remote side
// relays back.
func OpenPTYStream(ctx context.Context, conn StreamConn) (*PTYStream, error) {
	ctx, cancel := context.WithCancel(ctx)

	var ok bool
	defer func() {
		if !ok {
			cancel()
		}
	}()

	cs, err := conn.NewStream(ctx, StreamDesc, MethodContainerPTYStream, grpc.ForceCodec(jsonCodec{}))
	if err != nil {
		return nil, err
	}

	s := &PTYStream{
		ctx:    ctx,
		cancel: cancel,
		cs:     cs,
		ch:     make(chan *PTYKeystroke),
		done:   make(chan struct{}),
		stop:   make(chan struct{}, 1),
	}

	go s.run()

	ok = true
	return s, nil
}

func (s *PTYStream) run() {
	defer close(s.done)
	defer s.cancel()

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for {
			out := new(PTYOutput)
			if err := s.cs.RecvMsg(out); err != nil {
				s.fatal(err)
				return
			}
			s.notifier.PublishContext(s.ctx, nil, out)
		}
	}()

	go func() {
		defer wg.Done()
		for {
			select {
			case <-s.ctx.Done():
				return

			case <-s.stop:
				if err := s.cs.CloseSend(); err != nil {
					s.fatal(err)
				}
				return

			case msg := <-s.ch:
				if err := s.cs.SendMsg(msg); err != nil {
					s.fatal(err)
					return
				}
			}
		}
	}()

	wg.Wait()
}

func (s *PTYStream) fatal(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	s.cancel()
	if err != nil {
		s.err = err
	} else {
		s.err = s.ctx.Err()
	}
}

// Err returns the terminal error, if any (io.EOF is reported as nil).
func (s *PTYStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == io.EOF {
		return nil
	}
	return s.err
}

// Send queues a keystroke for delivery to the control plane.
func (s *PTYStream) Send(ctx context.Context, msg *PTYKeystroke) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case <-s.ctx.Done():
		return net.ErrClosed
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return net.ErrClosed
	case s.ch <- msg:
		return nil
	}
}

// Subscribe registers target (a chan *PTYOutput) to receive every output
// chunk the control plane relays back. The returned cancel func must be
// called unless ctx is canceled first.
//
// WARNING: sends to target block, so callers must receive promptly.
func (s *PTYStream) Subscribe(ctx context.Context, target any) context.CancelFunc {
	return s.notifier.SubscribeCancel(ctx, nil, target)
}

// Shutdown half-closes the stream, waiting for the remote side to finish.
func (s *PTYStream) Shutdown(ctx context.Context) error {
	select {
	case s.stop <- struct{}{}:
	default:
	}

	select {
	case <-ctx.Done():
		s.cancel()
		<-s.done
	case <-s.done:
	}

	return s.Err()
}

// Close aborts the stream immediately.
func (s *PTYStream) Close() error {
	s.cancel()
	<-s.done
	return s.Err()
}
