// Package internal 提供終端機聊天室的房間註冊表與廣播引擎。
//
// 參與者以 WebSocket 長連線加入以房間 ID 區分的聊天室，彼此交換文字訊息。
//
// # 房間註冊表
//
// Registry 持有整個行程的房間表：
//   - Create：指定 ID（不分大小寫，重複回傳 409）或產生 8 字元隨機 ID
//   - Lookup：不分大小寫查詢
//   - 房間預設永不移除；設定 room.idle_ttl 後會定期清理空房間
//
// # 連線准入
//
// Admission 依序檢查房間是否存在、使用者名稱是否為空、是否與在線成員重名，
// 失敗時以 1008 關閉連線並附上原因（Room not found / Username required / Username taken）。
// 同一房間的並發准入互斥，同名只會有一個成功。
//
// # 訊息路由
//
// Router 解析入站訊息：chat 以伺服器登記的名稱覆寫 username，
// system 原樣轉發，無法解析的內容包成 chat 訊息。所有訊息廣播給發送者以外的成員。
//
// # 使用範例
//
//	cfg := internal.DefaultConfig()
//	srv := internal.NewServer(cfg, logger)
//	log.Fatal(http.ListenAndServe(cfg.Addr(), srv.HTTPHandler()))
//
// 建立房間並加入：
//
//	curl -X POST localhost:3000/create -d '{"roomId":"lobby"}'
//	websocat "ws://localhost:3000/chat?room=lobby&username=alice"
//
// # 配置選項
//
//   - -config：YAML 配置檔
//   - -port：服務監聽端口（預設 3000，亦可用 PORT 環境變數）
//   - -log-level：日誌級別（debug/info/warn/error）
//   - -log-format：日誌格式（text/json）
package internal
