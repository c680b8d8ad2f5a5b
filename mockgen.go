//go:build gomock || generate

package quic

//go:generate sh -c "go run go.uber.org/mock/mockgen -build_flags=\"-tags=gomock\" -package quic -self_package github.com/quic-dev/quix -destination mock_send_conn_test.go github.com/quic-dev/quix SendConn"
type SendConn = sendConn
