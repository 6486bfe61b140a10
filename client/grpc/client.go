package grpcclient

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	arkv1 "github.com/arkade-os/arkd/api-spec/protobuf/gen/ark/v1"
	"github.com/arkade-os/arkd/pkg/ark-lib/tree"
	"github.com/arkade-os/go-ark-client/client"
	"github.com/arkade-os/go-ark-client/types"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

const (
	cloudflare524Error  = "524"
	duplicatedInputText = "duplicated input"
	vtxosPageSize       = 500
)

type service struct {
	arkv1.ArkServiceClient
	indexer arkv1.IndexerServiceClient
}

func newService(conn *grpc.ClientConn) service {
	return service{
		ArkServiceClient: arkv1.NewArkServiceClient(conn),
		indexer:          arkv1.NewIndexerServiceClient(conn),
	}
}

type grpcClient struct {
	mu     sync.Mutex
	target string
	opts   []grpc.DialOption
	conn   *grpc.ClientConn
	svc    service
	cancel context.CancelFunc
}

func NewClient(serverUrl string) (client.TransportClient, error) {
	if len(serverUrl) <= 0 {
		return nil, fmt.Errorf("missing server url")
	}

	port := 80
	creds := insecure.NewCredentials()
	serverUrl = strings.TrimPrefix(serverUrl, "http://")
	if strings.HasPrefix(serverUrl, "https://") {
		serverUrl = strings.TrimPrefix(serverUrl, "https://")
		creds = credentials.NewTLS(nil)
		port = 443
	}
	if !strings.Contains(serverUrl, ":") {
		serverUrl = fmt.Sprintf("%s:%d", serverUrl, port)
	}
	opts := []grpc.DialOption{grpc.WithTransportCredentials(creds)}
	conn, err := grpc.NewClient(serverUrl, opts...)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &grpcClient{
		target: serverUrl,
		opts:   opts,
		conn:   conn,
		svc:    newService(conn),
		cancel: cancel,
	}
	go c.monitorConnection(ctx)
	return c, nil
}

func (c *grpcClient) ensureConnection(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		state := c.conn.GetState()
		if state == connectivity.Ready || state == connectivity.Idle {
			return nil
		}

		if state == connectivity.Shutdown || state == connectivity.TransientFailure {
			if err := c.conn.Close(); err != nil {
				logrus.Warnf("failed to close grpc connection: %v", err)
			}
			conn, err := grpc.NewClient(c.target, c.opts...)
			if err != nil {
				return err
			}
			c.conn = conn
			c.svc = newService(conn)
			state = c.conn.GetState()
			if state == connectivity.Ready || state == connectivity.Idle {
				return nil
			}
		}

		if !c.conn.WaitForStateChange(ctx, state) {
			return ctx.Err()
		}
	}
}

func (c *grpcClient) monitorConnection(ctx context.Context) {
	for {
		if err := c.ensureConnection(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logrus.Warnf("failed to ensure grpc connection: %v", err)
			time.Sleep(time.Second)
			continue
		}

		if !c.conn.WaitForStateChange(ctx, connectivity.Ready) {
			return
		}
	}
}

func (c *grpcClient) GetInfo(ctx context.Context) (*client.Info, error) {
	if err := c.ensureConnection(ctx); err != nil {
		return nil, err
	}
	resp, err := c.svc.GetInfo(ctx, &arkv1.GetInfoRequest{})
	if err != nil {
		return nil, err
	}
	return &client.Info{
		Version:             resp.GetVersion(),
		SignerPubKey:        resp.GetSignerPubkey(),
		ForfeitPubKey:       resp.GetForfeitPubkey(),
		ForfeitAddress:      resp.GetForfeitAddress(),
		CheckpointTapscript: resp.GetCheckpointTapscript(),
		Network:             resp.GetNetwork(),
		SessionDuration:     resp.GetSessionDuration(),
		UnilateralExitDelay: resp.GetUnilateralExitDelay(),
		BoardingExitDelay:   resp.GetBoardingExitDelay(),
		Dust:                uint64(resp.GetDust()),
		UtxoMinAmount:       resp.GetUtxoMinAmount(),
		UtxoMaxAmount:       resp.GetUtxoMaxAmount(),
		VtxoMinAmount:       resp.GetVtxoMinAmount(),
		VtxoMaxAmount:       resp.GetVtxoMaxAmount(),
		Fees:                feeInfo{resp.GetFees()}.parse(),
	}, nil
}

func (c *grpcClient) GetVtxosByScripts(
	ctx context.Context, scripts []string,
) ([]types.Vtxo, error) {
	if err := c.ensureConnection(ctx); err != nil {
		return nil, err
	}

	result := make([]types.Vtxo, 0)
	for start := 0; start < len(scripts); start += client.MaxScriptsPerRequest {
		end := min(start+client.MaxScriptsPerRequest, len(scripts))
		chunk := scripts[start:end]

		page := &arkv1.IndexerPageRequest{Size: vtxosPageSize, Index: 0}
		for {
			resp, err := c.svc.indexer.GetVtxos(ctx, &arkv1.GetVtxosRequest{
				Scripts: chunk,
				Page:    page,
			})
			if err != nil {
				return nil, err
			}
			result = append(result, vtxos(resp.GetVtxos()).toVtxos()...)

			next := resp.GetPage()
			if next == nil || next.GetNext() <= next.GetCurrent() ||
				next.GetNext() >= next.GetTotal() {
				break
			}
			page = &arkv1.IndexerPageRequest{Size: vtxosPageSize, Index: next.GetNext()}
		}
	}
	return result, nil
}

func (c *grpcClient) GetVtxoToPollAsStream(
	ctx context.Context, scripts []string,
) (<-chan client.ScriptsNotification, func(), error) {
	if err := c.ensureConnection(ctx); err != nil {
		return nil, nil, err
	}

	subResp, err := c.svc.indexer.SubscribeForScripts(ctx, &arkv1.SubscribeForScriptsRequest{
		Scripts: scripts,
	})
	if err != nil {
		return nil, nil, err
	}
	subscriptionId := subResp.GetSubscriptionId()

	ctx, cancel := context.WithCancel(ctx)
	req := &arkv1.GetSubscriptionRequest{SubscriptionId: subscriptionId}
	stream, err := c.svc.indexer.GetSubscription(ctx, req)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	eventsCh := make(chan client.ScriptsNotification)

	go func() {
		defer close(eventsCh)

		send := func(n client.ScriptsNotification) bool {
			select {
			case eventsCh <- n:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			resp, err := stream.Recv()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				st, ok := status.FromError(err)
				if ok {
					switch st.Code() {
					case codes.Canceled:
						return
					case codes.Unknown:
						if strings.Contains(st.Message(), cloudflare524Error) {
							stream, err = c.svc.indexer.GetSubscription(ctx, req)
							if err != nil {
								send(client.ScriptsNotification{Err: err})
								return
							}
							continue
						}
					}
				}
				send(client.ScriptsNotification{Err: err})
				return
			}

			// Heartbeats carry no event.
			ev := resp.GetEvent()
			if ev == nil || len(ev.GetScripts()) <= 0 {
				continue
			}
			if !send(client.ScriptsNotification{Scripts: ev.GetScripts()}) {
				return
			}
		}
	}()

	closeFn := func() {
		cancel()
		unsubCtx, unsubCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer unsubCancel()
		if _, err := c.svc.indexer.UnsubscribeForScripts(unsubCtx, &arkv1.UnsubscribeForScriptsRequest{
			SubscriptionId: subscriptionId,
		}); err != nil {
			logrus.Debugf("failed to unsubscribe %s: %s", subscriptionId, err)
		}
	}

	return eventsCh, closeFn, nil
}

func (c *grpcClient) RegisterIntent(
	ctx context.Context, proof, message string,
) (string, error) {
	if err := c.ensureConnection(ctx); err != nil {
		return "", err
	}
	req := &arkv1.RegisterIntentRequest{
		Intent: &arkv1.Intent{
			Proof:   proof,
			Message: message,
		},
	}

	resp, err := c.svc.RegisterIntent(ctx, req)
	if err != nil {
		if st, ok := status.FromError(err); ok &&
			strings.Contains(st.Message(), duplicatedInputText) {
			return "", fmt.Errorf("%w: %s", client.ErrAlreadyLocked, st.Message())
		}
		return "", err
	}
	return resp.GetIntentId(), nil
}

func (c *grpcClient) DeleteIntent(ctx context.Context, proof, message string) error {
	if err := c.ensureConnection(ctx); err != nil {
		return err
	}
	req := &arkv1.DeleteIntentRequest{
		Intent: &arkv1.Intent{
			Proof:   proof,
			Message: message,
		},
	}
	_, err := c.svc.DeleteIntent(ctx, req)
	return err
}

func (c *grpcClient) ConfirmRegistration(ctx context.Context, intentId string) error {
	if err := c.ensureConnection(ctx); err != nil {
		return err
	}
	_, err := c.svc.ConfirmRegistration(ctx, &arkv1.ConfirmRegistrationRequest{
		IntentId: intentId,
	})
	return err
}

func (c *grpcClient) SubmitTreeNonces(
	ctx context.Context, batchId, cosignerPubkey string, nonces tree.TreeNonces,
) error {
	if err := c.ensureConnection(ctx); err != nil {
		return err
	}
	_, err := c.svc.SubmitTreeNonces(ctx, &arkv1.SubmitTreeNoncesRequest{
		BatchId:    batchId,
		Pubkey:     cosignerPubkey,
		TreeNonces: nonces.ToMap(),
	})
	return err
}

func (c *grpcClient) SubmitTreeSignatures(
	ctx context.Context, batchId, cosignerPubkey string, signatures tree.TreePartialSigs,
) error {
	if err := c.ensureConnection(ctx); err != nil {
		return err
	}
	sigs, err := signatures.ToMap()
	if err != nil {
		return err
	}

	_, err = c.svc.SubmitTreeSignatures(ctx, &arkv1.SubmitTreeSignaturesRequest{
		BatchId:        batchId,
		Pubkey:         cosignerPubkey,
		TreeSignatures: sigs,
	})
	return err
}

func (c *grpcClient) SubmitSignedForfeitTxs(
	ctx context.Context, signedForfeitTxs []string, signedCommitmentTx string,
) error {
	if err := c.ensureConnection(ctx); err != nil {
		return err
	}
	_, err := c.svc.SubmitSignedForfeitTxs(ctx, &arkv1.SubmitSignedForfeitTxsRequest{
		SignedForfeitTxs:   signedForfeitTxs,
		SignedCommitmentTx: signedCommitmentTx,
	})
	return err
}

func (c *grpcClient) GetEventStream(
	ctx context.Context, topics []string,
) (<-chan client.BatchEventChannel, func(), error) {
	if err := c.ensureConnection(ctx); err != nil {
		return nil, nil, err
	}
	ctx, cancel := context.WithCancel(ctx)

	req := &arkv1.GetEventStreamRequest{Topics: topics}

	stream, err := c.svc.GetEventStream(ctx, req)
	if err != nil {
		cancel()
		return nil, nil, err
	}

	eventsCh := make(chan client.BatchEventChannel)

	go func() {
		defer close(eventsCh)

		send := func(ev client.BatchEventChannel) bool {
			select {
			case eventsCh <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			resp, err := stream.Recv()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				st, ok := status.FromError(err)
				if ok {
					switch st.Code() {
					case codes.Canceled:
						return
					case codes.Unknown:
						if strings.Contains(st.Message(), cloudflare524Error) {
							stream, err = c.svc.GetEventStream(ctx, req)
							if err != nil {
								send(client.BatchEventChannel{Err: err})
								return
							}
							continue
						}
					}
				}
				send(client.BatchEventChannel{Err: err})
				return
			}

			ev, err := event{resp}.toBatchEvent()
			if err != nil {
				send(client.BatchEventChannel{Err: err})
				return
			}
			if ev == nil {
				continue
			}

			if !send(client.BatchEventChannel{Event: ev}) {
				return
			}
		}
	}()

	closeFn := func() {
		if err := stream.CloseSend(); err != nil {
			logrus.Warnf("failed to close event stream: %s", err)
		}
		cancel()
	}

	return eventsCh, closeFn, nil
}

func (c *grpcClient) UpdateStreamTopics(
	ctx context.Context, streamId string, addTopics, removeTopics []string,
) error {
	if err := c.ensureConnection(ctx); err != nil {
		return err
	}
	_, err := c.svc.UpdateStreamTopics(ctx, &arkv1.UpdateStreamTopicsRequest{
		StreamId: streamId,
		TopicsChange: &arkv1.UpdateStreamTopicsRequest_Modify{
			Modify: &arkv1.ModifyTopics{
				AddTopics:    addTopics,
				RemoveTopics: removeTopics,
			},
		},
	})
	return err
}

func (c *grpcClient) SubmitTx(
	ctx context.Context, signedArkTx string, checkpointTxs []string,
) (string, string, []string, error) {
	if err := c.ensureConnection(ctx); err != nil {
		return "", "", nil, err
	}
	resp, err := c.svc.SubmitTx(ctx, &arkv1.SubmitTxRequest{
		SignedArkTx:   signedArkTx,
		CheckpointTxs: checkpointTxs,
	})
	if err != nil {
		return "", "", nil, err
	}

	return resp.GetArkTxid(), resp.GetFinalArkTx(), resp.GetSignedCheckpointTxs(), nil
}

func (c *grpcClient) FinalizeTx(
	ctx context.Context, arkTxid string, finalCheckpointTxs []string,
) error {
	if err := c.ensureConnection(ctx); err != nil {
		return err
	}
	_, err := c.svc.FinalizeTx(ctx, &arkv1.FinalizeTxRequest{
		ArkTxid:            arkTxid,
		FinalCheckpointTxs: finalCheckpointTxs,
	})
	return err
}

func (c *grpcClient) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	// nolint
	c.conn.Close()
}
