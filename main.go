package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"PPClient/global"
	"PPClient/module/chat/identity"
	"PPClient/module/chat/session"
	"PPClient/service/backend"
	"PPClient/service/realtime"
)

// 单进程演示：内存后端 + 进程内事件流 + 一个会话。
// 发一条文本、一条语音封套，等待收敛后打印权威视图。
func main() {
	dir, err := os.MkdirTemp("", "ppclient-demo")
	if err != nil {
		panic(err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	idstore, err := identity.Open(filepath.Join(dir, "identity.db"))
	if err != nil {
		panic(err)
	}
	defer func() { _ = idstore.Close() }()

	store := backend.NewMemStore()
	h := backend.NewHandler(store, backend.NewMemSeq(store))

	feed := realtime.NewChanFeed(256)
	h.Publish = func(ev realtime.Event) { feed.Push(ev) }

	cfg := global.Default()
	sess, err := session.New(cfg, h, feed, idstore, "user-a", "conv-demo")
	if err != nil {
		panic(err)
	}
	defer sess.Close()

	ctx := context.Background()
	if _, err := sess.Send(ctx, "hello there"); err != nil {
		panic(err)
	}
	if _, err := sess.SendMedia(ctx, "voice", "audio/aac", "https://cdn.example.com/v/1.aac", 2300); err != nil {
		panic(err)
	}

	time.Sleep(300 * time.Millisecond)

	for _, m := range sess.Messages() {
		fmt.Printf("seq=%d id=%s content=%q\n", m.Seq, m.ID, m.Content)
	}
	if err := sess.MarkRead(ctx); err != nil {
		fmt.Println("mark read:", err)
	}
	delivered, read := sess.Cursor()
	fmt.Printf("cursor delivered=%d read=%d unread=%d pending=%d\n",
		delivered, read, sess.Unread(), sess.Pending())
}
