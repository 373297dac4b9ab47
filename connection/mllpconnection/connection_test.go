package mllpconnection

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/mock"

	"github.com/medwire/hl7link/config"
	"github.com/medwire/hl7link/connection"
	"github.com/medwire/hl7link/connection/transporter"
	"github.com/medwire/hl7link/logger"
	"github.com/medwire/hl7link/mllp"
)

func TestMLLPConnection(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "MLLP Connection Suite")
}

// noDelay keeps the fixed-delay retry policy but removes the sleeps so
// retry-exhaustion specs run instantly
func noDelay(attempts uint64) func() backoff.BackOff {
	return func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, attempts)
	}
}

var _ = Describe("MLLP Connection", Ordered, func() {
	var conn *MLLPConnection
	var mockClient *transporter.MockTransporter
	var doneChan chan struct{}
	var inboundChan chan *[]byte

	logger := logger.MockLogger(GinkgoWriter)
	ctx := context.Background()

	testMessage := "MSH|^~\\&|SEND|FAC|RECV|FAC|20260823||ADT^A01|MSG1|P|2.5"

	baseConfig := func() config.Configuration {
		cfg := config.Default("localhost", 2575)
		cfg.ResponseTimeout = 200 * time.Millisecond
		return cfg
	}

	setupHappyClient := func() {
		doneChan = make(chan struct{})
		inboundChan = make(chan *[]byte, 10)

		mockClient = &transporter.MockTransporter{}
		mockClient.On("Dial").Return(nil)
		mockClient.On("Send", mock.Anything).Return(nil)
		mockClient.On("Close").Return()
		mockClient.On("Done").Return(doneChan)
		mockClient.On("Inbound").Return(inboundChan)
	}

	Context("Connecting", func() {
		When("the peer accepts the connection", func() {
			var err error

			BeforeEach(func() {
				setupHappyClient()
				conn = New(logger, baseConfig(), mockClient)
				err = conn.Connect(ctx)
			})

			It("connects without error", func() {
				Expect(err).ToNot(HaveOccurred(), "connection failed to connect: %s", err)
			})

			It("reports the connected state", func() {
				Expect(conn.State()).To(Equal(connection.Connected))
			})

			It("dials exactly once", func() {
				mockClient.AssertNumberOfCalls(GinkgoT(), "Dial", 1)
			})
		})

		When("the peer is unreachable", func() {
			var err error

			BeforeEach(func() {
				mockClient = &transporter.MockTransporter{}
				mockClient.On("Dial").Return(fmt.Errorf("connection refused"))
				mockClient.On("Close").Return()

				cfg := baseConfig()
				cfg.MaxRetryAttempts = 3
				conn = New(logger, cfg, mockClient, WithBackOffFactory(noDelay(cfg.MaxRetryAttempts)))
				err = conn.Connect(ctx)
			})

			It("surfaces a connection failed error after exhausting retries", func() {
				var connErr *connection.ConnectionFailedError
				Expect(errors.As(err, &connErr)).To(BeTrue(), "expected ConnectionFailedError, got %v", err)
				Expect(connErr.Transient()).To(BeTrue())
				Expect(connErr.Attempts).To(Equal(uint64(4)))
			})

			It("dials once plus one retry per attempt in the budget", func() {
				mockClient.AssertNumberOfCalls(GinkgoT(), "Dial", 4)
			})

			It("leaves the connection in the failed state", func() {
				Expect(conn.State()).To(Equal(connection.Failed))
			})
		})

		When("an injected retry policy shrinks the budget", func() {
			var err error

			BeforeEach(func() {
				mockClient = &transporter.MockTransporter{}
				mockClient.On("Dial").Return(fmt.Errorf("connection refused"))
				mockClient.On("Close").Return()

				// one retry, regardless of what the config says
				conn = New(logger, baseConfig(), mockClient, WithBackOffFactory(noDelay(1)))
				err = conn.Connect(ctx)
			})

			It("reports the attempts the policy actually allowed", func() {
				var connErr *connection.ConnectionFailedError
				Expect(errors.As(err, &connErr)).To(BeTrue(), "expected ConnectionFailedError, got %v", err)
				Expect(connErr.Attempts).To(Equal(uint64(2)))
				mockClient.AssertNumberOfCalls(GinkgoT(), "Dial", 2)
			})
		})

		When("the dial succeeds after transient failures", func() {
			var err error

			BeforeEach(func() {
				mockClient = &transporter.MockTransporter{}

				// Fail the first two attempts, succeed on the third
				attempts := 0
				call := mockClient.On("Dial")
				call.RunFn = func(args mock.Arguments) {
					attempts++
					if attempts < 3 {
						call.ReturnArguments = mock.Arguments{fmt.Errorf("transient failure")}
					} else {
						call.ReturnArguments = mock.Arguments{nil}
					}
				}

				cfg := baseConfig()
				cfg.MaxRetryAttempts = 3
				conn = New(logger, cfg, mockClient, WithBackOffFactory(noDelay(cfg.MaxRetryAttempts)))
				err = conn.Connect(ctx)
			})

			It("connects within the retry budget", func() {
				Expect(err).ToNot(HaveOccurred())
				Expect(conn.State()).To(Equal(connection.Connected))
				mockClient.AssertNumberOfCalls(GinkgoT(), "Dial", 3)
			})
		})
	})

	Context("Sending", func() {
		When("sending on a connected connection", func() {
			var err error

			BeforeEach(func() {
				setupHappyClient()
				conn = New(logger, baseConfig(), mockClient)
				Expect(conn.Connect(ctx)).To(Succeed())
				err = conn.Send(testMessage)
			})

			It("sends without error", func() {
				Expect(err).ToNot(HaveOccurred())
			})

			It("writes the message framed with MLLP markers", func() {
				mockClient.AssertCalled(GinkgoT(), "Send", mllp.FrameString(testMessage))
			})

			It("counts the request for pool recycling", func() {
				Expect(conn.RequestCount()).To(Equal(1))
			})
		})

		When("the framed message exceeds the maximum size", func() {
			var err error

			BeforeEach(func() {
				setupHappyClient()
				cfg := baseConfig()
				cfg.MaxMessageSize = 16
				conn = New(logger, cfg, mockClient)
				Expect(conn.Connect(ctx)).To(Succeed())
				err = conn.Send("this message is far longer than sixteen bytes")
			})

			It("rejects the message with a frame-too-large error", func() {
				pe, ok := mllp.IsProtocolError(err)
				Expect(ok).To(BeTrue(), "expected a protocol error, got %v", err)
				Expect(pe.Code).To(Equal(mllp.ErrCodeFrameTooLarge))
			})

			It("never touches the socket", func() {
				mockClient.AssertNotCalled(GinkgoT(), "Send", mock.Anything)
			})
		})

		When("sending before connecting", func() {
			BeforeEach(func() {
				setupHappyClient()
				conn = New(logger, baseConfig(), mockClient)
			})

			It("returns a not-connected error", func() {
				err := conn.Send(testMessage)
				var notConnected *connection.NotConnectedError
				Expect(errors.As(err, &notConnected)).To(BeTrue())
			})
		})

		When("the socket write fails", func() {
			var err error

			BeforeEach(func() {
				doneChan = make(chan struct{})
				inboundChan = make(chan *[]byte, 10)
				mockClient = &transporter.MockTransporter{}
				mockClient.On("Dial").Return(nil)
				mockClient.On("Send", mock.Anything).Return(fmt.Errorf("broken pipe"))
				mockClient.On("Close").Return()
				mockClient.On("Done").Return(doneChan)
				mockClient.On("Inbound").Return(inboundChan)

				conn = New(logger, baseConfig(), mockClient)
				Expect(conn.Connect(ctx)).To(Succeed())
				err = conn.Send(testMessage)
			})

			It("surfaces a socket error and fails the connection", func() {
				var socketErr *connection.SocketError
				Expect(errors.As(err, &socketErr)).To(BeTrue())
				Expect(conn.State()).To(Equal(connection.Failed))
			})
		})
	})

	Context("Receiving", func() {
		deliver := func(data []byte) {
			chunk := data
			inboundChan <- &chunk
		}

		When("the peer responds in a single segment", func() {
			BeforeEach(func() {
				setupHappyClient()
				conn = New(logger, baseConfig(), mockClient)
				Expect(conn.Connect(ctx)).To(Succeed())
			})

			It("yields the unwrapped message", func() {
				deliver(mllp.FrameString("MSA|AA|MSG1"))

				message, err := conn.Receive()
				Expect(err).ToNot(HaveOccurred())
				Expect(message).To(Equal("MSA|AA|MSG1"))
			})
		})

		When("the peer splits the response across segments", func() {
			BeforeEach(func() {
				setupHappyClient()
				conn = New(logger, baseConfig(), mockClient)
				Expect(conn.Connect(ctx)).To(Succeed())
			})

			It("reassembles the message across chunks", func() {
				framed := mllp.FrameString("MSA|AA|MSG1")
				deliver(framed[:4])
				deliver(framed[4 : len(framed)-1])
				deliver(framed[len(framed)-1:])

				message, err := conn.Receive()
				Expect(err).ToNot(HaveOccurred())
				Expect(message).To(Equal("MSA|AA|MSG1"))
			})

			It("yields multiple messages delivered in one chunk in order", func() {
				deliver(append(mllp.FrameString("MSA|AA|1"), mllp.FrameString("MSA|AA|2")...))

				first, err := conn.Receive()
				Expect(err).ToNot(HaveOccurred())
				second, err := conn.Receive()
				Expect(err).ToNot(HaveOccurred())
				Expect(first).To(Equal("MSA|AA|1"))
				Expect(second).To(Equal("MSA|AA|2"))
			})
		})

		When("the peer never completes a response", func() {
			BeforeEach(func() {
				setupHappyClient()
				conn = New(logger, baseConfig(), mockClient)
				Expect(conn.Connect(ctx)).To(Succeed())
			})

			It("times out and fails the connection", func() {
				deliver([]byte{0x0B, 'p', 'a', 'r', 't'})

				_, err := conn.Receive()
				var timeoutErr *connection.TimeoutError
				Expect(errors.As(err, &timeoutErr)).To(BeTrue(), "expected TimeoutError, got %v", err)
				Expect(timeoutErr.Op).To(Equal("receive"))
				Expect(conn.State()).To(Equal(connection.Failed))
			})
		})

		When("the peer responds and then closes the connection", func() {
			It("still yields the buffered response", func() {
				// Inbound and Done are both ready here and the select
				// order is up to the scheduler, so run enough rounds to
				// see both orderings
				for i := 0; i < 50; i++ {
					setupHappyClient()
					mockClient.On("Err").Return(fmt.Errorf("connection reset"))
					conn = New(logger, baseConfig(), mockClient)
					Expect(conn.Connect(ctx)).To(Succeed())

					deliver(mllp.FrameString("MSA|AA|MSG1"))
					close(doneChan)

					message, err := conn.Receive()
					Expect(err).ToNot(HaveOccurred(), "round %d: lost the buffered response: %v", i, err)
					Expect(message).To(Equal("MSA|AA|MSG1"))
				}
			})

			It("fails the receive after the buffered responses run out", func() {
				setupHappyClient()
				mockClient.On("Err").Return(fmt.Errorf("connection reset"))
				conn = New(logger, baseConfig(), mockClient)
				Expect(conn.Connect(ctx)).To(Succeed())

				deliver(mllp.FrameString("MSA|AA|MSG1"))
				close(doneChan)

				message, err := conn.Receive()
				Expect(err).ToNot(HaveOccurred())
				Expect(message).To(Equal("MSA|AA|MSG1"))

				_, err = conn.Receive()
				Expect(err).To(HaveOccurred())
			})
		})

		When("the transport dies mid-receive", func() {
			BeforeEach(func() {
				setupHappyClient()
				mockClient.On("Err").Return(fmt.Errorf("connection reset"))
				conn = New(logger, baseConfig(), mockClient)
				Expect(conn.Connect(ctx)).To(Succeed())
			})

			It("surfaces a socket error", func() {
				close(doneChan)

				_, err := conn.Receive()
				var socketErr *connection.SocketError
				Expect(errors.As(err, &socketErr)).To(BeTrue())
				Expect(conn.State()).To(Equal(connection.Failed))
			})
		})
	})

	Context("Closing", func() {
		BeforeEach(func() {
			setupHappyClient()
			conn = New(logger, baseConfig(), mockClient)
			Expect(conn.Connect(ctx)).To(Succeed())
		})

		It("closes the underlying transport once, even when closed twice", func() {
			conn.Close(fmt.Errorf("test shutdown"))
			conn.Close(fmt.Errorf("test shutdown again"))

			Expect(conn.State()).To(Equal(connection.Closed))
			mockClient.AssertNumberOfCalls(GinkgoT(), "Close", 1)
		})

		It("refuses to reconnect once closed", func() {
			conn.Close(nil)
			Expect(conn.Connect(ctx)).ToNot(Succeed())
		})
	})

	Context("Auto-reconnect", func() {
		When("a failed connection is configured to auto-reconnect", func() {
			BeforeEach(func() {
				doneChan = make(chan struct{})
				inboundChan = make(chan *[]byte, 10)
				mockClient = &transporter.MockTransporter{}
				mockClient.On("Dial").Return(nil)
				mockClient.On("Close").Return()
				mockClient.On("Done").Return(doneChan)
				mockClient.On("Inbound").Return(inboundChan)

				// first write breaks the connection, the one after the
				// reconnect succeeds
				writes := 0
				call := mockClient.On("Send", mock.Anything)
				call.RunFn = func(args mock.Arguments) {
					writes++
					if writes == 1 {
						call.ReturnArguments = mock.Arguments{fmt.Errorf("broken pipe")}
					} else {
						call.ReturnArguments = mock.Arguments{nil}
					}
				}

				cfg := baseConfig()
				cfg.AutoReconnect = true
				conn = New(logger, cfg, mockClient, WithBackOffFactory(noDelay(cfg.MaxRetryAttempts)))
				Expect(conn.Connect(ctx)).To(Succeed())
			})

			It("re-dials before the next send", func() {
				Expect(conn.Send(testMessage)).ToNot(Succeed())
				Expect(conn.State()).To(Equal(connection.Failed))

				Expect(conn.Send(testMessage)).To(Succeed())
				Expect(conn.State()).To(Equal(connection.Connected))
				mockClient.AssertNumberOfCalls(GinkgoT(), "Dial", 2)
			})
		})
	})
})
